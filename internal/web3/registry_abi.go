package web3

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/AssuredRegistry.abi.json
var defaultRegistryABI []byte

// DefaultRegistryABI returns the embedded AssuredRegistry ABI JSON.
func DefaultRegistryABI() []byte {
	return append([]byte(nil), defaultRegistryABI...)
}

// LoadRegistryABI parses the ABI at path, or the embedded default when path
// is empty. The result must expose log, entries, nextId and Logged.
func LoadRegistryABI(path string) (abi.ABI, error) {
	content := defaultRegistryABI
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("读取合约 ABI 失败: %w", err)
		}
		content = data
	}
	parsed, err := abi.JSON(bytes.NewReader(content))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析合约 ABI 失败: %w", err)
	}
	for _, method := range []string{"log", "entries", "nextId"} {
		if _, ok := parsed.Methods[method]; !ok {
			return abi.ABI{}, fmt.Errorf("合约 ABI 缺少方法 %s", method)
		}
	}
	if _, ok := parsed.Events["Logged"]; !ok {
		return abi.ABI{}, fmt.Errorf("合约 ABI 缺少事件 Logged")
	}
	return parsed, nil
}
