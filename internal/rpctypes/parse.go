package rpctypes

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var errInvalidParams = errors.New("invalid params")

// Parse decodes params for method into its Request variant. Unknown methods fail with an
// error matching ErrUnknownMethod; malformed params fail with a KindParse error.
func Parse(method string, params json.RawMessage) (Request, error) {
	req, err := parse(method, params)
	if err != nil {
		if errors.Is(err, ErrUnknownMethod) {
			return nil, UnknownMethod(method)
		}
		return nil, ParseError(method, err)
	}
	return req, nil
}

func parse(method string, params json.RawMessage) (Request, error) {
	switch method {
	case MethodEthCall:
		r := EthCall{Block: Latest}
		if err := positional(params, 1, &r.Call, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthEstimateGas:
		r := EthEstimateGas{Block: Latest}
		if err := positional(params, 1, &r.Call, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetBalance:
		r := EthGetBalance{Block: Latest}
		if err := positional(params, 1, &r.Address, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetBlockByNumber:
		r := EthGetBlockByNumber{Block: Latest}
		if err := positional(params, 1, &r.Block, &r.FullTx); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetBlockByHash:
		var r EthGetBlockByHash
		if err := positional(params, 1, &r.Hash, &r.FullTx); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthBlockNumber:
		return EthBlockNumber{}, nil
	case MethodEthChainID:
		return EthChainID{}, nil
	case MethodNetVersion:
		return NetVersion{}, nil
	case MethodEthGetCode:
		r := EthGetCode{Block: Latest}
		if err := positional(params, 1, &r.Address, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetTransactionCount:
		r := EthGetTransactionCount{Block: Latest}
		if err := positional(params, 1, &r.Address, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetTransactionReceipt:
		var r EthGetTransactionReceipt
		if err := positional(params, 1, &r.Hash); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGetTransactionByHash:
		var r EthGetTransactionByHash
		if err := positional(params, 1, &r.Hash); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthGasPrice:
		return EthGasPrice{}, nil
	case MethodWeb3ClientVersion:
		return Web3ClientVersion{}, nil
	case MethodEthSendTransaction:
		var r EthSendTransaction
		if err := positional(params, 1, &r.Transaction); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthSendRawTransaction:
		var r EthSendRawTransaction
		if err := positional(params, 1, &r.Raw); err != nil {
			return nil, err
		}
		if len(r.Raw) == 0 {
			return nil, errors.Wrap(errInvalidParams, "empty raw transaction")
		}
		return r, nil
	case MethodPersonalSign, MethodEthSignTypedData, MethodEthSignTypedDataV1, MethodEthSignTypedDataV2,
		MethodEthSignTypedDataV3, MethodEthSignTypedDataV4:
		return parseSignMessage(method, params)
	case MethodEthSign:
		return EthSign{}, nil
	case MethodEthAccounts:
		return EthAccounts{}, nil
	case MethodEthRequestAccounts:
		return EthRequestAccounts{}, nil
	case MethodEthSubscribe:
		var r EthSubscribe
		if err := positional(params, 1, &r.Kind); err != nil {
			return nil, err
		}
		return r, nil
	case MethodEthUnsubscribe:
		var r EthUnsubscribe
		if err := positional(params, 1, &r.ID); err != nil {
			return nil, err
		}
		return r, nil
	case MethodWalletAddEthereumChain:
		if err := positional(params, 1); err != nil {
			return nil, err
		}
		return WalletAddEthereumChain{Params: params}, nil
	case MethodWalletSwitchEthereumChain:
		var p struct {
			ChainID hexutil.Uint64 `json:"chainId"`
		}
		if err := positional(params, 1, &p); err != nil {
			return nil, err
		}
		return WalletSwitchEthereumChain{ChainID: uint64(p.ChainID)}, nil
	case MethodEthGetStorageAt:
		r := EthGetStorageAt{Block: Latest}
		if err := positional(params, 2, &r.Address, &r.Slot, &r.Block); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, ErrUnknownMethod
	}
}

// positional decodes a JSON array of params into out, requiring at least `required` items.
func positional(raw json.RawMessage, required int, out ...any) error {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return errors.Wrap(errInvalidParams, "params must be an array")
		}
	}
	if len(items) < required {
		return errors.Wrapf(errInvalidParams, "expected at least %d params, got %d", required, len(items))
	}
	for i, o := range out {
		if i >= len(items) {
			break
		}
		if bytes.Equal(bytes.TrimSpace(items[i]), []byte("null")) {
			continue
		}
		if err := json.Unmarshal(items[i], o); err != nil {
			return errors.Wrapf(errInvalidParams, "param %d: %v", i, err)
		}
	}
	return nil
}

// parseSignMessage keeps params verbatim and finds the signing address among them, since
// personal_sign and the typed-data methods disagree on parameter order.
func parseSignMessage(method string, params json.RawMessage) (Request, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(params, &items); err != nil {
		return nil, errors.Wrap(errInvalidParams, "params must be an array")
	}
	if len(items) < 2 {
		return nil, errors.Wrapf(errInvalidParams, "%s expects 2 params", method)
	}
	order := []int{0, 1}
	if method == MethodPersonalSign || method == MethodEthSignTypedData || method == MethodEthSignTypedDataV1 {
		order = []int{1, 0}
	}
	for _, i := range order {
		var s string
		if err := json.Unmarshal(items[i], &s); err != nil {
			continue
		}
		s = strings.TrimSpace(s)
		if len(s) == 42 && common.IsHexAddress(s) {
			return SignMessage{Name: method, Signer: common.HexToAddress(s), Params: params}, nil
		}
	}
	return nil, errors.Wrapf(errInvalidParams, "%s: no signer address in params", method)
}
