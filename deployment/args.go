package deployment

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	refPrefix   = "@"
	refDeployer = "$deployer"
)

// AddressResolver resolves a logical contract name to an address.
type AddressResolver func(name string) (common.Address, error)

// ToBytes32 left aligns s in a bytes32, the encoding contracts use for resolver names.
func ToBytes32(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)

	return out
}

// FromBytes32 reverses ToBytes32.
func FromBytes32(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

// ConvertArgs converts config values to the Go types expected by inputs.
func ConvertArgs(inputs abi.Arguments, values []any, deployer common.Address, resolve AddressResolver) ([]any, error) {
	if len(values) != len(inputs) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(inputs), len(values))
	}

	out := make([]any, len(values))
	for i, v := range values {
		converted, err := convertArg(inputs[i].Type, v, deployer, resolve)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, inputs[i].Name, err)
		}
		out[i] = converted
	}

	return out, nil
}

func convertArg(t abi.Type, v any, deployer common.Address, resolve AddressResolver) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return convertAddress(v, deployer, resolve)
	case abi.IntTy, abi.UintTy:
		return convertInt(t, v)
	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot use %v as bool", v)
		}

		return b, nil
	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot use %v as string", v)
		}

		return s, nil
	case abi.BytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot use %v as bytes", v)
		}

		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		return convertFixedBytes(t, v)
	case abi.SliceTy, abi.ArrayTy:
		return convertList(t, v, deployer, resolve)
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

func convertAddress(v any, deployer common.Address, resolve AddressResolver) (common.Address, error) {
	switch val := v.(type) {
	case common.Address:
		return val, nil
	case string:
		switch {
		case val == refDeployer:
			return deployer, nil
		case strings.HasPrefix(val, refPrefix):
			if resolve == nil {
				return common.Address{}, fmt.Errorf("%s: %w", val, ErrDependencyNotFound)
			}

			return resolve(strings.TrimPrefix(val, refPrefix))
		case common.IsHexAddress(val):
			return common.HexToAddress(val), nil
		}
	}

	return common.Address{}, fmt.Errorf("cannot use %v as address", v)
}

// maxExactFloat is the largest integer a float64 holds without rounding (2^53).
const maxExactFloat = 1 << 53

func toBigInt(v any) (*big.Int, error) {
	switch val := v.(type) {
	case *big.Int:
		return new(big.Int).Set(val), nil
	case int:
		return big.NewInt(int64(val)), nil
	case int64:
		return big.NewInt(val), nil
	case uint64:
		return new(big.Int).SetUint64(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("cannot use %v as integer", val)
		}
		if math.Abs(val) > maxExactFloat {
			return nil, fmt.Errorf("%v cannot be represented exactly, quote it as a string", val)
		}
		n, _ := big.NewFloat(val).Int(nil)

		return n, nil
	case string:
		n, ok := new(big.Int).SetString(val, 0)
		if !ok {
			return nil, fmt.Errorf("cannot parse %q as integer", val)
		}

		return n, nil
	}

	return nil, fmt.Errorf("cannot use %v (%T) as integer", v, v)
}

func convertInt(t abi.Type, v any) (any, error) {
	n, err := toBigInt(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for %s", n, t.String())
		}
	}

	goType := t.GetType()
	if goType.Kind() == reflect.Ptr {
		return n, nil
	}
	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}

	return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
}

func convertFixedBytes(t abi.Type, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot use %v as %s", v, t.String())
	}

	var raw []byte
	if strings.HasPrefix(s, "0x") && len(s) == 2+2*t.Size {
		decoded, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		raw = decoded
	} else {
		if len(s) > t.Size {
			return nil, fmt.Errorf("%q does not fit in %s", s, t.String())
		}
		raw = []byte(s)
	}

	arr := reflect.New(t.GetType()).Elem()
	reflect.Copy(arr, reflect.ValueOf(raw))

	return arr.Interface(), nil
}

func convertList(t abi.Type, v any, deployer common.Address, resolve AddressResolver) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cannot use %v as %s", v, t.String())
	}
	if t.T == abi.ArrayTy && len(items) != t.Size {
		return nil, fmt.Errorf("expected %d items for %s, got %d", t.Size, t.String(), len(items))
	}

	var list reflect.Value
	if t.T == abi.ArrayTy {
		list = reflect.New(t.GetType()).Elem()
	} else {
		list = reflect.MakeSlice(t.GetType(), len(items), len(items))
	}

	for i, item := range items {
		converted, err := convertArg(*t.Elem, item, deployer, resolve)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		list.Index(i).Set(reflect.ValueOf(converted))
	}

	return list.Interface(), nil
}
