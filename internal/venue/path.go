package venue

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Swap paths are packed byte strings: token (20 bytes), pool fee
// (3 bytes big-endian), token, fee, token, ... A path with N hops contains
// N+1 tokens and N fees.
const (
	addrLen = common.AddressLength
	feeLen  = 3
	hopLen  = addrLen + feeLen
)

// EncodePath packs tokens and pool fees into a multi-hop swap path.
// len(fees) must equal len(tokens)-1.
func EncodePath(tokens []common.Address, fees []uint32) ([]byte, error) {
	if len(tokens) < 2 {
		return nil, fmt.Errorf("encode path: need at least 2 tokens, got %d", len(tokens))
	}
	if len(fees) != len(tokens)-1 {
		return nil, fmt.Errorf("encode path: %d tokens require %d fees, got %d", len(tokens), len(tokens)-1, len(fees))
	}

	path := make([]byte, 0, len(tokens)*addrLen+len(fees)*feeLen)
	for i, token := range tokens {
		path = append(path, token.Bytes()...)
		if i < len(fees) {
			fee := fees[i]
			if fee > 0xFFFFFF {
				return nil, fmt.Errorf("encode path: fee %d exceeds 3 bytes", fee)
			}
			path = append(path, byte(fee>>16), byte(fee>>8), byte(fee))
		}
	}
	return path, nil
}

// DecodePath unpacks a swap path back into its tokens and fees.
func DecodePath(path []byte) ([]common.Address, []uint32, error) {
	if len(path) < 2*addrLen+feeLen || (len(path)-addrLen)%hopLen != 0 {
		return nil, nil, fmt.Errorf("decode path: malformed path of %d bytes", len(path))
	}

	hops := (len(path) - addrLen) / hopLen
	tokens := make([]common.Address, 0, hops+1)
	fees := make([]uint32, 0, hops)

	tokens = append(tokens, common.BytesToAddress(path[:addrLen]))
	for i := 0; i < hops; i++ {
		off := addrLen + i*hopLen
		fee := uint32(path[off])<<16 | uint32(path[off+1])<<8 | uint32(path[off+2])
		fees = append(fees, fee)
		tokens = append(tokens, common.BytesToAddress(path[off+feeLen:off+hopLen]))
	}
	return tokens, fees, nil
}

// PathEndpoints returns the input and output token of a path.
func PathEndpoints(path []byte) (in, out common.Address, err error) {
	tokens, _, err := DecodePath(path)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return tokens[0], tokens[len(tokens)-1], nil
}
