package main

import (
	"testing"

	"marketfeed/config"
	"marketfeed/internal/stream"
	"marketfeed/models"
)

func TestBuildSubscription(t *testing.T) {
	sub, err := buildSubscription(config.SubscriptionConfig{
		Vendor:  "okx",
		Channel: "orderbook",
		Pairs:   []string{"BTC-USDT", "ethbtc"},
		Depth:   5,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []models.CurrencyPair{models.NewPair("BTC", "USDT"), models.NewPair("ETH", "BTC")}
	if sub.Channel != stream.ChannelOrderBook || sub.Depth != 5 || len(sub.Pairs) != 2 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	for i := range want {
		if sub.Pairs[i] != want[i] {
			t.Errorf("pair %d = %s, want %s", i, sub.Pairs[i], want[i])
		}
	}
}

func TestBuildSubscriptionErrors(t *testing.T) {
	cases := []config.SubscriptionConfig{
		{Vendor: "okx", Channel: "orderbook", Pairs: []string{"NOTAPAIR"}},
		{Vendor: "okx", Channel: "klines", Pairs: []string{"BTC-USDT"}},
		{Vendor: "okx", Channel: "trades"},
	}
	for _, c := range cases {
		if _, err := buildSubscription(c); err == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}

func TestRegistriesPerLocalIP(t *testing.T) {
	r := newRegistries(config.Default())
	if r.get("") != r.get("") {
		t.Fatal("default registry not reused")
	}
	if r.get("127.0.0.1") == r.get("") {
		t.Fatal("bound registry shares the default registry")
	}
	if len(r.vendors()) != len(models.BuiltinVendors()) {
		t.Fatalf("vendors = %v", r.vendors())
	}
}
