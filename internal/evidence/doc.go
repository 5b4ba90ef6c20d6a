// Package evidence 定义证据包的结构、校验规则与规范化编码。
package evidence
