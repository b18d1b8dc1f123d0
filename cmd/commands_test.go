package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/web"
)

const (
	owner  = "0x00000000000000000000000000000000000000b1"
	source = "0x00000000000000000000000000000000000000a1"
	target = "0x00000000000000000000000000000000000000a2"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "pid", "token", "watch", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestPIDCommand(t *testing.T) {
	out, _, err := execute(t, "pid", "--owner", owner, "--source", source, "--target", target, "--amount", "10000")
	require.NoError(t, err)

	want := domain.DerivePlanID(common.HexToAddress(owner), common.HexToAddress(source),
		common.HexToAddress(target), decimal.NewFromInt(10000))
	assert.Equal(t, want.Hex()+"\n", out)
}

func TestPIDCommand_RejectsInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "bad owner",
			args: []string{"--owner", "bob", "--source", source, "--target", target, "--amount", "1"},
			want: "--owner",
		},
		{
			name: "fractional amount",
			args: []string{"--owner", owner, "--source", source, "--target", target, "--amount", "1.5"},
			want: "--amount",
		},
		{
			name: "amount beyond uint256",
			args: []string{"--owner", owner, "--source", source, "--target", target, "--amount", "115792089237316195423570985008687907853269984665640564039457584007913129639986"},
			want: "uint256",
		},
		{
			name: "missing flag",
			args: []string{"--owner", owner, "--source", source, "--amount", "1"},
			want: "target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, append([]string{"pid"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTokenCommand(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("CRYPTODCA_JWT_SECRET", secret)

	out, errOut, err := execute(t, "token", "--address", owner, "--ttl", "1h")
	require.NoError(t, err)
	assert.Contains(t, errOut, "expires at")

	auth, err := web.NewAuthenticator(secret, 0)
	require.NoError(t, err)
	addr, err := auth.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(owner), addr)
}

func TestTokenCommand_NeedsSecret(t *testing.T) {
	t.Setenv("CRYPTODCA_JWT_SECRET", "")

	_, _, err := execute(t, "token", "--address", owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRYPTODCA_JWT_SECRET")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, domain.Version+"\n", out)
}

func TestWatchCommand(t *testing.T) {
	var query string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: plan_created\ndata: {\"type\":\"plan_created\"}\n\n")
		fmt.Fprint(w, "event: plan_funded\ndata: {\"type\":\"plan_funded\"}\n\n")
		fmt.Fprint(w, "event: plan_paused\ndata: {\"type\":\"plan_paused\"}\n\n")
	}))
	defer ts.Close()

	out, _, err := execute(t, "watch", "--url", ts.URL, "--type", "plan_created,plan_funded", "--limit", "2")
	require.NoError(t, err)

	assert.Equal(t, "type=plan_created,plan_funded", query)
	assert.Equal(t, "plan_created {\"type\":\"plan_created\"}\nplan_funded {\"type\":\"plan_funded\"}\n", out)
}

func TestWatchCommand_RejectsNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, _, err := execute(t, "watch", "--url", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
