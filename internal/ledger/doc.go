// Package ledger 读取预测市场注册表与各市场合约的链上状态。
package ledger
