package vm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// ChainConfigFor returns the fork schedule of a known chain id.
func ChainConfigFor(chainID uint64) (*params.ChainConfig, error) {
	switch chainID {
	case params.MainnetChainConfig.ChainID.Uint64():
		return params.MainnetChainConfig, nil
	case params.SepoliaChainConfig.ChainID.Uint64():
		return params.SepoliaChainConfig, nil
	case params.HoleskyChainConfig.ChainID.Uint64():
		return params.HoleskyChainConfig, nil
	}
	return nil, fmt.Errorf("unsupported chain id %d", chainID)
}

// ForkName maps the rules active at (num, ts) to the name of the most recent
// fork.
func ForkName(cfg *params.ChainConfig, num uint64, ts uint64) string {
	bn := new(big.Int).SetUint64(num)
	switch {
	case cfg.IsPrague(bn, ts):
		return "prague"
	case cfg.IsCancun(bn, ts):
		return "cancun"
	case cfg.IsShanghai(bn, ts):
		return "shanghai"
	case cfg.IsLondon(bn):
		if cfg.IsGrayGlacier(bn) {
			return "gray_glacier" // EIP-5133
		}
		if cfg.IsArrowGlacier(bn) {
			return "arrow_glacier" // EIP-4345
		}
		return "london"
	case cfg.IsBerlin(bn):
		return "berlin"
	case cfg.IsIstanbul(bn):
		return "istanbul"
	case cfg.IsPetersburg(bn):
		return "petersburg"
	case cfg.IsConstantinople(bn):
		return "constantinople"
	case cfg.IsByzantium(bn):
		return "byzantium"
	case cfg.IsEIP158(bn):
		return "spurious_dragon"
	case cfg.IsEIP150(bn):
		return "tangerine"
	case cfg.IsHomestead(bn):
		return "homestead"
	default:
		return "frontier"
	}
}
