package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSHFailedPassword(t *testing.T) {
	ev := Parse(RawLine{
		Source:  "sshd",
		Host:    "srv-01",
		Message: "Failed password for root from 203.0.113.7 port 52144 ssh2",
		RawID:   "41",
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "ssh", ev.LogSource())
	assert.Equal(t, "sshd", ev.String("service"))
	assert.Equal(t, "root", ev.String("username"))
	assert.Equal(t, "203.0.113.7", ev.String("src_ip"))
	assert.Equal(t, "fail", ev.String("outcome"))
	assert.Equal(t, "52144", ev.String("port"))
	assert.Equal(t, int64(1700000000), ev.TS())
	assert.Equal(t, "srv-01", ev.String("host"))
	assert.Equal(t, "41", ev.String("raw_id"))
}

func TestParseSSHInvalidUser(t *testing.T) {
	ev := Parse(RawLine{
		Message: "Failed password for invalid user admin from 203.0.113.7 port 40022 ssh2",
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "admin", ev.String("username"))
	assert.Equal(t, "fail", ev.String("outcome"))
}

func TestParseSSHAccepted(t *testing.T) {
	ev := Parse(RawLine{
		Message: "Accepted password for deploy from 198.51.100.9 port 50022 ssh2",
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "deploy", ev.String("username"))
	assert.Equal(t, "success", ev.String("outcome"))

	// publickey logins count too.
	ev = Parse(RawLine{
		Message: "Accepted publickey for deploy from 198.51.100.9 port 50022 ssh2",
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "success", ev.String("outcome"))
}

func TestParseSSHWithoutPort(t *testing.T) {
	ev := Parse(RawLine{
		Message: "Failed password for root from 203.0.113.7",
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.False(t, ev.Has("port"))
}

func TestParseHTTPAccessCombined(t *testing.T) {
	ev := Parse(RawLine{
		Source:  "nginx",
		Host:    "srv-01",
		Message: `203.0.113.7 - - [01/Jan/2026:12:00:01 +0800] "GET /admin?id=1 HTTP/1.1" 404 153 "-" "Mozilla/5.0"`,
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "http", ev.LogSource())
	assert.Equal(t, "203.0.113.7", ev.String("src_ip"))
	assert.Equal(t, "GET", ev.String("method"))
	assert.Equal(t, "/admin", ev.String("path"), "query string is split off the path")
	assert.Equal(t, "/admin?id=1", ev.String("uri"))
	assert.Equal(t, 404, ev["status_code"])
	assert.Equal(t, "Mozilla/5.0", ev.String("user_agent"))
}

func TestParseHTTPAccessCommon(t *testing.T) {
	ev := Parse(RawLine{
		Message: `203.0.113.7 - - [01/Jan/2026:12:00:01 +0800] "POST /wp-login.php HTTP/1.1" 200 512`,
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "POST", ev.String("method"))
	assert.Equal(t, "/wp-login.php", ev.String("path"))
	assert.Equal(t, 200, ev["status_code"])
	assert.False(t, ev.Has("user_agent"))
}

func TestParseHTTPAccessEscapedQuotes(t *testing.T) {
	ev := Parse(RawLine{
		Message: `203.0.113.7 - - [01/Jan/2026:12:00:01 +0800] \"GET /.env HTTP/1.1\" 404 153 \"-\" \"curl/8.0\"`,
		TS:      1700000000,
	})
	require.NotNil(t, ev)
	assert.Equal(t, "/.env", ev.String("path"))
	assert.Equal(t, "curl/8.0", ev.String("user_agent"))
}

func TestParseUnrecognizedLine(t *testing.T) {
	assert.Nil(t, Parse(RawLine{Message: "kernel: Out of memory", TS: 1700000000}))
	assert.Nil(t, Parse(RawLine{Message: "", TS: 1700000000}))
}

func TestParseStampsNowWhenTSMissing(t *testing.T) {
	before := time.Now().Unix()
	ev := Parse(RawLine{Message: "Failed password for root from 203.0.113.7 port 1 ssh2"})
	require.NotNil(t, ev)
	assert.GreaterOrEqual(t, ev.TS(), before)
}

func TestParseTruncatesLongRaw(t *testing.T) {
	long := "Failed password for root from 203.0.113.7 port 1 ssh2 " + strings.Repeat("x", 1000)
	ev := Parse(RawLine{Message: long, TS: 1700000000})
	require.NotNil(t, ev)
	assert.Len(t, ev.String("raw"), rawTruncate)
}
