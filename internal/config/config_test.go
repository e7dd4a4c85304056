package config

import "testing"

func TestGetCoin(t *testing.T) {
	tests := []struct {
		symbol   string
		found    bool
		decimals uint8
	}{
		{"BCH", true, 8},
		{"XMR", true, 12},
		{"BTC", false, 0},
		{"", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			coin, ok := GetCoin(tt.symbol)
			if ok != tt.found {
				t.Fatalf("GetCoin(%q) found = %v, want %v", tt.symbol, ok, tt.found)
			}
			if ok && coin.Decimals != tt.decimals {
				t.Errorf("GetCoin(%q).Decimals = %d, want %d", tt.symbol, coin.Decimals, tt.decimals)
			}
		})
	}
}

func TestValidTimelocks(t *testing.T) {
	tests := []struct {
		name                 string
		timelock1, timelock2 uint32
		want                 bool
	}{
		{"typical", 20, 40, true},
		{"minimum bounds", MinTimelock, MinTimelock, true},
		{"maximum bounds", MaxTimelock, MaxTimelock, true},
		{"first too low", 1, 40, false},
		{"second too low", 20, 0, false},
		{"first too high", MaxTimelock + 1, 40, false},
		{"second too high", 20, MaxTimelock + 1, false},
		{"both zero", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidTimelocks(tt.timelock1, tt.timelock2); got != tt.want {
				t.Errorf("ValidTimelocks(%d, %d) = %v, want %v", tt.timelock1, tt.timelock2, got, tt.want)
			}
		})
	}
}
