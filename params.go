package main

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// activeNet is the currently active network params for the whole process.
var activeNet = &mainNetParams

// netParams is used to group parameters for the various networks the
// wallet can run against.
type netParams struct {
	*chaincfg.Params
}

// mainNetParams contains parameters specific to the main network.
var mainNetParams = netParams{
	Params: &chaincfg.MainNetParams,
}

// testNet3Params contains parameters specific to the test network
// (version 3).
var testNet3Params = netParams{
	Params: &chaincfg.TestNet3Params,
}

// simNetParams contains parameters specific to the simulation test
// network.
var simNetParams = netParams{
	Params: &chaincfg.SimNetParams,
}
