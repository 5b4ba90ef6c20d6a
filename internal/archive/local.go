package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
)

// LocalStore 将证据包按内容摘要写入本地目录，适合单机联调。
// 目录中找不到的占位引用会回退为固定证据包。
type LocalStore struct {
	dir string
}

// NewLocalStore 创建 LocalStore 并确保目录存在。
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "本地归档目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建本地归档目录失败")
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(ref string) string {
	return filepath.Join(s.dir, ref+".json")
}

// Store 写入证据包并返回其 SHA-256 引用。重复写入相同内容是幂等的。
func (s *LocalStore) Store(_ context.Context, pkg evidence.Package) (string, error) {
	payload, err := evidence.Canonical(pkg)
	if err != nil {
		return "", err
	}
	ref := ContentRef(payload)
	tmp, err := os.CreateTemp(s.dir, ref+".*.tmp")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证据包失败")
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证据包失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证据包失败")
	}
	if err := os.Rename(tmp.Name(), s.path(ref)); err != nil {
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入证据包失败")
	}
	return ref, nil
}

// Retrieve 读取证据包。
func (s *LocalStore) Retrieve(_ context.Context, ref string) (evidence.Package, error) {
	if !IsStubRef(ref) {
		return evidence.Package{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的本地证据引用: %q", ref))
	}
	f, err := os.Open(s.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return StubPackage(ref), nil
	}
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取证据包失败")
	}
	defer f.Close()
	data, err := readPackage(f)
	if err != nil {
		return evidence.Package{}, err
	}
	return evidence.Decode(data)
}
