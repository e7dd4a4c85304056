package chain

func init() {
	// Bitcoin Cash Mainnet
	Register("BCH", Mainnet, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash",
		Type:     ChainTypeUTXO,
		Decimals: 8,

		CoinType:       145,
		DefaultPurpose: 44,

		CashAddrPrefix:   "bitcoincash",
		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,
		WIF:              0x80,
		DefaultElectrum:  "bch.imaginary.cash:50001",

		MinConfirmations: 2,
	})

	// Bitcoin Cash Testnet4
	Register("BCH", Testnet, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash Testnet",
		Type:     ChainTypeUTXO,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 44,

		CashAddrPrefix:   "bchtest",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,
		WIF:              0xef,
		DefaultElectrum:  "testnet4.imaginary.cash:50001",

		MinConfirmations: 1,
	})

	// Bitcoin Cash Regtest
	Register("BCH", Regtest, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash Regtest",
		Type:     ChainTypeUTXO,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 44,

		CashAddrPrefix:   "bchreg",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,
		WIF:              0xef,
		DefaultElectrum:  "127.0.0.1:50001",

		MinConfirmations: 1,
	})
}
