// Package redis 提供共享的 Redis 连接，供身份缓存、进度存储与事件发布使用。
package redis
