package consul

import (
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
)

func TestNewLeader(t *testing.T) {
	l, err := NewLeader(config.ConsulConfig{Address: "127.0.0.1:8500", Key: "rebalancer/leader"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLeader failed: %v", err)
	}
	if l.IsLeader() {
		t.Error("A fresh participant must not be leader")
	}
	if l.key != "rebalancer/leader" {
		t.Errorf("Unexpected key %q", l.key)
	}
}
