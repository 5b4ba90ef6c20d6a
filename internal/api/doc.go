// Package api 提供运维 HTTP 接口：健康检查、运行状态与 Prometheus 指标。
package api
