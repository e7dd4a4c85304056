package chain

func init() {
	// Monero Mainnet
	Register("XMR", Mainnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero",
		Type:     ChainTypeMonero,
		Decimals: 12,

		// Standard-address network prefix, encoded into every address
		AddressPrefix:    18,
		DefaultWalletRPC: "http://127.0.0.1:18083/json_rpc",
		DefaultDaemonRPC: "http://127.0.0.1:18081/json_rpc",

		MinConfirmations: 10,
	})

	// Monero Stagenet (the testing network with mainnet rules)
	Register("XMR", Testnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero Stagenet",
		Type:     ChainTypeMonero,
		Decimals: 12,

		AddressPrefix:    24,
		DefaultWalletRPC: "http://127.0.0.1:38083/json_rpc",
		DefaultDaemonRPC: "http://127.0.0.1:38081/json_rpc",

		MinConfirmations: 3,
	})

	// Monero Regtest (monerod --regtest)
	Register("XMR", Regtest, &Params{
		Symbol:   "XMR",
		Name:     "Monero Regtest",
		Type:     ChainTypeMonero,
		Decimals: 12,

		AddressPrefix:    18,
		DefaultWalletRPC: "http://127.0.0.1:18083/json_rpc",
		DefaultDaemonRPC: "http://127.0.0.1:18081/json_rpc",

		MinConfirmations: 1,
	})
}
