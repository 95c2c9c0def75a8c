package networks

const (
	ChainAnvil   uint64 = 31337
	ChainMainnet uint64 = 1
	ChainSepolia uint64 = 11155111
	ChainHolesky uint64 = 17000
)

// Defaults is the registry a fresh install starts with.
func Defaults() []RpcNetwork {
	return []RpcNetwork{
		{Name: "Anvil", ChainID: ChainAnvil, RPCs: []RPC{{Name: "local", URL: "http://localhost:8545"}}},
		{Name: "Ethereum Mainnet", ChainID: ChainMainnet, RPCs: []RPC{{Name: "publicnode", URL: "https://ethereum-rpc.publicnode.com"}}, Explorer: "https://etherscan.io"},
		{Name: "Sepolia", ChainID: ChainSepolia, RPCs: []RPC{{Name: "publicnode", URL: "https://ethereum-sepolia-rpc.publicnode.com"}}, Explorer: "https://sepolia.etherscan.io"},
		{Name: "Holesky", ChainID: ChainHolesky, RPCs: []RPC{{Name: "publicnode", URL: "https://ethereum-holesky-rpc.publicnode.com"}}, Explorer: "https://holesky.etherscan.io"},
	}
}

var knownExplorers = map[uint64]string{
	1:        "https://etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	17000:    "https://holesky.etherscan.io",
	42161:    "https://arbiscan.io",
	421614:   "https://sepolia.arbiscan.io",
	10:       "https://optimistic.etherscan.io",
	11155420: "https://sepolia-optimistic.etherscan.io",
	8453:     "https://basescan.org",
	84532:    "https://sepolia.basescan.org",
	137:      "https://polygonscan.com",
	534352:   "https://scrollscan.com",
}

// ExplorerFor returns a block explorer for well known chains.
func ExplorerFor(chainID uint64) string {
	return knownExplorers[chainID]
}
