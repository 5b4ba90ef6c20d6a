// Package archive 将证据包归档到外部存储并按引用取回。
//
// 支持三种驱动：arweave（未配置钱包时退化为本地测试模式）、local（写入
// 本地目录）以及兼容 S3 的对象存储。
package archive
