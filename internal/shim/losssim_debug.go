//go:build debug

package shim

import (
	"math/rand"
	"os"
	"strconv"
)

// lossSimPercent is read once from CLIENT_LOSS_SIM_PERCENT. Zero disables the
// hook even in debug builds.
var lossSimPercent = func() int {
	raw := os.Getenv("CLIENT_LOSS_SIM_PERCENT")
	if raw == "" {
		return 0
	}
	percent, err := strconv.Atoi(raw)
	if err != nil || percent < 0 || percent > 100 {
		return 0
	}
	return percent
}()

// lossSimDrop randomly discards inbound frames to exercise simulation-layer
// resilience. Compiled into debug builds only.
func lossSimDrop() bool {
	return lossSimPercent > 0 && rand.Intn(100) < lossSimPercent
}
