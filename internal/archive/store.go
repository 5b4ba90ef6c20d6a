package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
)

// Store 是证据包的内容寻址归档。相同内容必须得到相同引用。
type Store interface {
	Store(ctx context.Context, pkg evidence.Package) (string, error)
	Retrieve(ctx context.Context, ref string) (evidence.Package, error)
}

// MaxPackageBytes 是取回证据包时允许的最大字节数，超出即视为无效证据。
const MaxPackageBytes = 4 << 20

// stubRefLength 是本地测试模式下引用的长度（SHA-256 十六进制）。
const stubRefLength = 64

// ContentRef 返回 data 的 SHA-256 十六进制摘要，用作本地测试模式的引用。
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsStubRef 判断 ref 是否为本地测试模式生成的 64 位小写十六进制引用。
// 正式的 Arweave 交易 ID 为 43 位 base64url，两者不会混淆。
func IsStubRef(ref string) bool {
	if len(ref) != stubRefLength {
		return false
	}
	for _, c := range ref {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// StubPackage 返回本地测试模式下取回的固定证据包。
func StubPackage(ref string) evidence.Package {
	return evidence.Package{
		Question:   "(stub evidence - no Arweave wallet configured)",
		Outcome:    0,
		Confidence: 0.75,
		Sources:    []evidence.Source{},
		Reasoning:  fmt.Sprintf("Stub evidence package for CID %s. In production this would be fetched from Arweave.", ref),
		Timestamp:  "1970-01-01T00:00:00Z",
	}
}

// readPackage 读取至多 MaxPackageBytes 字节的证据包内容。
func readPackage(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPackageBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "读取证据包内容失败")
	}
	if len(data) > MaxPackageBytes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("证据包超过 %d 字节上限", MaxPackageBytes))
	}
	return data, nil
}
