package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
)

const (
	defaultGatewayURL   = "https://arweave.net"
	defaultBundlerURL   = "https://node2.bundlr.network"
	defaultFetchTimeout = 30 * time.Second
)

// arweaveID 匹配 43 位 base64url 编码的 Arweave 交易 ID。
var arweaveID = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// IsArweaveID 判断 ref 是否为合法的 Arweave 交易 ID。
func IsArweaveID(ref string) bool {
	return arweaveID.MatchString(ref)
}

// ArweaveConfig 描述 Arweave 网关、打包节点与钱包。
type ArweaveConfig struct {
	GatewayURL   string
	BundlerURL   string
	WalletPath   string
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// ArweaveStore 通过打包节点上传证据包并通过网关读取。
// 未配置钱包时进入本地测试模式：引用为内容的 SHA-256 摘要，取回时直接
// 返回固定的占位证据包，不发起任何网络请求。
type ArweaveStore struct {
	gatewayURL   string
	bundlerURL   string
	walletPath   string
	fetchTimeout time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewArweaveStore 创建 ArweaveStore。配置了钱包路径时要求文件可读。
func NewArweaveStore(cfg ArweaveConfig) (*ArweaveStore, error) {
	gateway := strings.TrimRight(strings.TrimSpace(cfg.GatewayURL), "/")
	if gateway == "" {
		gateway = defaultGatewayURL
	}
	bundler := strings.TrimRight(strings.TrimSpace(cfg.BundlerURL), "/")
	if bundler == "" {
		bundler = defaultBundlerURL
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	wallet := strings.TrimSpace(cfg.WalletPath)
	if wallet != "" {
		if _, err := os.Stat(wallet); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取 Arweave 钱包失败")
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger.Info("Arweave 归档已初始化",
		slog.String("gateway", gateway),
		slog.String("bundler", bundler),
		slog.Bool("has_wallet", wallet != ""))
	return &ArweaveStore{
		gatewayURL:   gateway,
		bundlerURL:   bundler,
		walletPath:   wallet,
		fetchTimeout: timeout,
		httpClient:   client,
		logger:       logger,
	}, nil
}

// Store 上传证据包并返回交易 ID。
func (s *ArweaveStore) Store(ctx context.Context, pkg evidence.Package) (string, error) {
	payload, err := evidence.Canonical(pkg)
	if err != nil {
		return "", err
	}
	if s.walletPath == "" {
		ref := ContentRef(payload)
		s.logger.Warn("未配置 Arweave 钱包，使用 SHA-256 占位引用",
			slog.String("ref", ref), slog.Int("size", len(payload)))
		return ref, nil
	}
	return s.upload(ctx, payload)
}

func (s *ArweaveStore) upload(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.bundlerURL+"/tx", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 Arweave 上传请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalService, err, "上传证据包失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Error("Arweave 上传失败", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return "", xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("Arweave 上传返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		ID   string `json:"id"`
		TxID string `json:"txId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalService, err, "解析 Arweave 上传响应失败")
	}
	ref := decoded.ID
	if ref == "" {
		ref = decoded.TxID
	}
	if !IsArweaveID(ref) {
		return "", xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("Arweave 上传响应中的交易 ID 无效: %q", ref))
	}
	s.logger.Info("证据包已上传", slog.String("ref", ref))
	return ref, nil
}

// Retrieve 通过网关读取证据包。占位引用直接返回固定证据包；其余引用
// 必须是合法的 Arweave 交易 ID，否则不发起请求。
func (s *ArweaveStore) Retrieve(ctx context.Context, ref string) (evidence.Package, error) {
	if IsStubRef(ref) {
		s.logger.Info("读取占位证据包", slog.String("ref", ref))
		return StubPackage(ref), nil
	}
	if !IsArweaveID(ref) {
		return evidence.Package{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("无效的 Arweave 引用: %q", ref))
	}

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/"+url.PathEscape(ref), nil)
	if err != nil {
		return evidence.Package{}, fmt.Errorf("构建 Arweave 读取请求失败: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeExternalService, err, "读取证据包失败",
			xerrors.WithMetadata("ref", ref))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Error("Arweave 读取失败",
			slog.String("ref", ref), slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return evidence.Package{}, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("读取证据包 %s 返回状态 %d", ref, resp.StatusCode))
	}
	data, err := readPackage(resp.Body)
	if err != nil {
		return evidence.Package{}, err
	}
	pkg, err := evidence.Decode(data)
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeExternalService, err, "证据包格式错误",
			xerrors.WithMetadata("ref", ref))
	}
	return pkg, nil
}
