// Package strategy 实现 worker 的研究策略与 verifier 的评分策略。
//
// 每种策略都有启发式与模型驱动两种实现，构造时根据是否配置了大模型
// 凭证选定其一。模型驱动实现对输出做范围裁剪，调用或解析失败时退回
// 到确定性的本地结果，不会让外层流程失败。启发式实现是纯函数。
package strategy
