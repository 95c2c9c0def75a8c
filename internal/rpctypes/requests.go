// Package rpctypes holds the closed set of RPC requests a page may issue and the typed
// error taxonomy used for every reply.
package rpctypes

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	MethodEthCall                   = "eth_call"
	MethodEthEstimateGas            = "eth_estimateGas"
	MethodEthGetBalance             = "eth_getBalance"
	MethodEthGetBlockByNumber       = "eth_getBlockByNumber"
	MethodEthGetBlockByHash         = "eth_getBlockByHash"
	MethodEthBlockNumber            = "eth_blockNumber"
	MethodEthChainID                = "eth_chainId"
	MethodNetVersion                = "net_version"
	MethodEthGetCode                = "eth_getCode"
	MethodEthGetTransactionCount    = "eth_getTransactionCount"
	MethodEthGetTransactionReceipt  = "eth_getTransactionReceipt"
	MethodEthGetTransactionByHash   = "eth_getTransactionByHash"
	MethodEthGasPrice               = "eth_gasPrice"
	MethodWeb3ClientVersion         = "web3_clientVersion"
	MethodEthSendTransaction        = "eth_sendTransaction"
	MethodEthSendRawTransaction     = "eth_sendRawTransaction"
	MethodPersonalSign              = "personal_sign"
	MethodEthSignTypedData          = "eth_signTypedData"
	MethodEthSignTypedDataV1        = "eth_signTypedData_v1"
	MethodEthSignTypedDataV2        = "eth_signTypedData_v2"
	MethodEthSignTypedDataV3        = "eth_signTypedData_v3"
	MethodEthSignTypedDataV4        = "eth_signTypedData_v4"
	MethodEthSign                   = "eth_sign"
	MethodEthAccounts               = "eth_accounts"
	MethodEthRequestAccounts        = "eth_requestAccounts"
	MethodEthSubscribe              = "eth_subscribe"
	MethodEthUnsubscribe            = "eth_unsubscribe"
	MethodWalletAddEthereumChain    = "wallet_addEthereumChain"
	MethodWalletSwitchEthereumChain = "wallet_switchEthereumChain"
	MethodEthGetStorageAt           = "eth_getStorageAt"
)

// Request is one decoded page call. The set of implementations is closed.
type Request interface {
	Method() string
	isRequest()
}

type EthCall struct {
	Call  TransactionArgs
	Block BlockTag
}

type EthEstimateGas struct {
	Call  TransactionArgs
	Block BlockTag
}

type EthGetBalance struct {
	Address common.Address
	Block   BlockTag
}

type EthGetBlockByNumber struct {
	Block  BlockTag
	FullTx bool
}

type EthGetBlockByHash struct {
	Hash   common.Hash
	FullTx bool
}

type EthBlockNumber struct{}

type EthChainID struct{}

type NetVersion struct{}

type EthGetCode struct {
	Address common.Address
	Block   BlockTag
}

type EthGetTransactionCount struct {
	Address common.Address
	Block   BlockTag
}

type EthGetTransactionReceipt struct {
	Hash common.Hash
}

type EthGetTransactionByHash struct {
	Hash common.Hash
}

type EthGasPrice struct{}

type Web3ClientVersion struct{}

type EthSendTransaction struct {
	Transaction TransactionArgs
}

type EthSendRawTransaction struct {
	Raw hexutil.Bytes
}

// SignMessage covers personal_sign and every eth_signTypedData flavour. Params is kept
// verbatim so it can be forwarded to the signer unchanged.
type SignMessage struct {
	Name   string
	Signer common.Address
	Params json.RawMessage
}

type EthSign struct{}

type EthAccounts struct{}

type EthRequestAccounts struct{}

type EthSubscribe struct {
	Kind string
}

type EthUnsubscribe struct {
	ID string
}

type WalletAddEthereumChain struct {
	Params json.RawMessage
}

type WalletSwitchEthereumChain struct {
	ChainID uint64
}

type EthGetStorageAt struct {
	Address common.Address
	Slot    common.Hash
	Block   BlockTag
}

func (EthCall) Method() string                   { return MethodEthCall }
func (EthEstimateGas) Method() string            { return MethodEthEstimateGas }
func (EthGetBalance) Method() string             { return MethodEthGetBalance }
func (EthGetBlockByNumber) Method() string       { return MethodEthGetBlockByNumber }
func (EthGetBlockByHash) Method() string         { return MethodEthGetBlockByHash }
func (EthBlockNumber) Method() string            { return MethodEthBlockNumber }
func (EthChainID) Method() string                { return MethodEthChainID }
func (NetVersion) Method() string                { return MethodNetVersion }
func (EthGetCode) Method() string                { return MethodEthGetCode }
func (EthGetTransactionCount) Method() string    { return MethodEthGetTransactionCount }
func (EthGetTransactionReceipt) Method() string  { return MethodEthGetTransactionReceipt }
func (EthGetTransactionByHash) Method() string   { return MethodEthGetTransactionByHash }
func (EthGasPrice) Method() string               { return MethodEthGasPrice }
func (Web3ClientVersion) Method() string         { return MethodWeb3ClientVersion }
func (EthSendTransaction) Method() string        { return MethodEthSendTransaction }
func (EthSendRawTransaction) Method() string     { return MethodEthSendRawTransaction }
func (m SignMessage) Method() string             { return m.Name }
func (EthSign) Method() string                   { return MethodEthSign }
func (EthAccounts) Method() string               { return MethodEthAccounts }
func (EthRequestAccounts) Method() string        { return MethodEthRequestAccounts }
func (EthSubscribe) Method() string              { return MethodEthSubscribe }
func (EthUnsubscribe) Method() string            { return MethodEthUnsubscribe }
func (WalletAddEthereumChain) Method() string    { return MethodWalletAddEthereumChain }
func (WalletSwitchEthereumChain) Method() string { return MethodWalletSwitchEthereumChain }
func (EthGetStorageAt) Method() string           { return MethodEthGetStorageAt }

func (EthCall) isRequest()                   {}
func (EthEstimateGas) isRequest()            {}
func (EthGetBalance) isRequest()             {}
func (EthGetBlockByNumber) isRequest()       {}
func (EthGetBlockByHash) isRequest()         {}
func (EthBlockNumber) isRequest()            {}
func (EthChainID) isRequest()                {}
func (NetVersion) isRequest()                {}
func (EthGetCode) isRequest()                {}
func (EthGetTransactionCount) isRequest()    {}
func (EthGetTransactionReceipt) isRequest()  {}
func (EthGetTransactionByHash) isRequest()   {}
func (EthGasPrice) isRequest()               {}
func (Web3ClientVersion) isRequest()         {}
func (EthSendTransaction) isRequest()        {}
func (EthSendRawTransaction) isRequest()     {}
func (SignMessage) isRequest()               {}
func (EthSign) isRequest()                   {}
func (EthAccounts) isRequest()               {}
func (EthRequestAccounts) isRequest()        {}
func (EthSubscribe) isRequest()              {}
func (EthUnsubscribe) isRequest()            {}
func (WalletAddEthereumChain) isRequest()    {}
func (WalletSwitchEthereumChain) isRequest() {}
func (EthGetStorageAt) isRequest()           {}

// IsSigningMethod reports whether method asks the user to sign a message.
func IsSigningMethod(method string) bool {
	switch method {
	case MethodPersonalSign, MethodEthSignTypedData, MethodEthSignTypedDataV1, MethodEthSignTypedDataV2,
		MethodEthSignTypedDataV3, MethodEthSignTypedDataV4:
		return true
	}
	return false
}

// IsSendMethod reports whether method submits a transaction.
func IsSendMethod(method string) bool {
	return method == MethodEthSendTransaction || method == MethodEthSendRawTransaction
}
