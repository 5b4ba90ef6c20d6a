// Package mysql 提供基于 MySQL 的持久化实现：连接池、内置迁移、
// 提交日志仓库以及 agent 进度仓库。未配置 MySQL 时，提交日志回退到
// 本地 JSON lines 文件。
package mysql
