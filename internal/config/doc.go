// Package config 负责加载 worker 与 verifier 的运行配置。
//
// 配置来源依次为内置默认值、可选的 YAML 文件以及 CHAOSORACLE_* 环境变量，
// 后者优先级最高。为了兼容旧部署，PRIVATE_KEY、OPENAI_API_KEY、
// WORKER_FORCED_OUTCOME 等变量名同样会被识别。
package config
