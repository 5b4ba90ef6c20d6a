// Package agent 实现 worker 与 verifier 两个轮询循环。
//
// 每个进程只运行一个循环，按读取顺序串行处理市场与提交。单个市场
// （或单个 worker 提交）的失败只影响它自己，本轮其余条目照常处理；
// 逃逸出单条目边界的错误在轮次顶层再兜底一次，进程只会因外部关闭信号退出。
package agent
