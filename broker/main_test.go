package broker

import (
	"testing"

	"go.gazette.dev/core/etcdtest"
)

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
