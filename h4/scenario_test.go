package h4_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/controller"
	"github.com/rigado/nimble/cortexm"
	"github.com/rigado/nimble/loopback"
	"github.com/rigado/nimble/npl"
	"github.com/rigado/nimble/nrf5x"
)

// scenario is a scripted host session. Each step writes bytes to the bridge
// or advances the link layer clock, then reads the packets it expects.
type scenario struct {
	Steps []struct {
		Send    string          `yaml:"send"`
		Advance nimble.Duration `yaml:"advance"`
		Expect  int             `yaml:"expect"`
	} `yaml:"steps"`
}

func loadScenario(t *testing.T, name string) scenario {
	t.Helper()
	in, err := ioutil.ReadFile(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)

	var s scenario
	require.NoError(t, yaml.Unmarshal(in, &s))
	require.NotEmpty(t, s.Steps)
	return s
}

// runScenario plays s against a loopback bridge and returns the transcript.
func runScenario(t *testing.T, s scenario) []byte {
	t.Helper()

	mock := clock.NewMock()
	core := cortexm.NewSim()
	drv := nrf5x.New(core, core)
	drv.Attach(core)
	port := npl.NewPort(
		npl.WithPool(&npl.Pool{}),
		npl.WithTimeDriver(npl.NewClockDriver(mock, 1000)),
		npl.WithPlatform(drv),
		npl.WithTimerIRQ(int(nrf5x.RTC0)),
	)
	e := loopback.New(port, loopback.WithConnDelay(50), loopback.WithScanInterval(100))
	c, err := controller.New(e)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Task().Run(ctx)

	host, _, _ := serve(t, c)
	require.NoError(t, host.SetDeadline(time.Now().Add(5*time.Second)))

	var out strings.Builder
	advanced := false
	for i, st := range s.Steps {
		switch {
		case st.Send != "":
			b, err := hex.DecodeString(strings.ReplaceAll(st.Send, " ", ""))
			require.NoError(t, err, "step %d", i)
			fmt.Fprintf(&out, "> % x\n", b)
			write(t, host, b...)
		case st.Advance > 0:
			fmt.Fprintf(&out, "~ %v\n", time.Duration(st.Advance))
			mock.Add(time.Duration(st.Advance))
			advanced = true
		}

		for n := 0; n < st.Expect; n++ {
			fmt.Fprintf(&out, "< % x\n", readPacket(t, host))
		}
	}
	if advanced {
		require.NotZero(t, core.Serviced(nrf5x.RTC0))
	}
	return []byte(out.String())
}

func TestScenarios(t *testing.T) {
	for _, name := range []string{"setup", "link"} {
		t.Run(name, func(t *testing.T) {
			got := runScenario(t, loadScenario(t, name))

			g := goldie.New(t,
				goldie.WithFixtureDir("testdata/golden"),
				goldie.WithNameSuffix(".golden"),
			)
			g.Assert(t, name, got)
		})
	}
}

// The command status for Disconnect must reach the host before the
// disconnection complete the engine queues right behind it.
func TestDisconnectOrder(t *testing.T) {
	s := loadScenario(t, "link")
	for i := 0; i < 20; i++ {
		lines := strings.Split(strings.TrimSpace(string(runScenario(t, s))), "\n")
		require.GreaterOrEqual(t, len(lines), 2)
		require.Equal(t, []string{
			"< 04 0f 04 00 01 06 04",
			"< 04 05 04 00 40 00 16",
		}, lines[len(lines)-2:], "run %d", i)
	}
}
