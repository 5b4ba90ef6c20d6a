package ledger

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abis/*.json
var embeddedABIs embed.FS

const (
	registryABIName = "ChaosOracleRegistry.json"
	studioABIName   = "PredictionSettlementLogic.json"
	identityABIName = "IdentityRegistry.json"
)

// Contracts 保存注册表、市场与身份注册表合约的 ABI。
type Contracts struct {
	Registry abi.ABI
	Studio   abi.ABI
	Identity abi.ABI
}

// LoadContracts 加载合约 ABI。dir 非空时优先读取该目录下同名文件，
// 缺失的文件回退到内置版本。
func LoadContracts(dir string) (Contracts, error) {
	registry, err := loadABI(dir, registryABIName)
	if err != nil {
		return Contracts{}, err
	}
	studio, err := loadABI(dir, studioABIName)
	if err != nil {
		return Contracts{}, err
	}
	identity, err := loadABI(dir, identityABIName)
	if err != nil {
		return Contracts{}, err
	}
	return Contracts{Registry: registry, Studio: studio, Identity: identity}, nil
}

// DefaultContracts 返回内置 ABI，解析失败时 panic。
func DefaultContracts() Contracts {
	contracts, err := LoadContracts("")
	if err != nil {
		panic(err)
	}
	return contracts
}

func loadABI(dir, name string) (abi.ABI, error) {
	if strings.TrimSpace(dir) != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return ParseABI(data)
		}
		if !os.IsNotExist(err) {
			return abi.ABI{}, fmt.Errorf("读取 ABI %s 失败: %w", name, err)
		}
	}
	data, err := embeddedABIs.ReadFile("abis/" + name)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("读取内置 ABI %s 失败: %w", name, err)
	}
	return ParseABI(data)
}

// ParseABI 解析 ABI JSON，兼容纯数组以及编译产物中 {"abi": [...]} 的格式。
func ParseABI(data []byte) (abi.ABI, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("解析合约产物失败: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("合约产物缺少 abi 字段")
		}
		trimmed = artifact.ABI
	}
	parsed, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return parsed, nil
}
