// Package code generates the numeric join verification codes.
package code

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	Min = 100000
	Max = 999999
)

var span = big.NewInt(Max - Min + 1)

// New returns a 6-digit code drawn uniformly from [Min, Max].
func New() string {
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic("code: read random: " + err.Error())
	}
	return strconv.FormatInt(n.Int64()+Min, 10)
}
