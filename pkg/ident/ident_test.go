package ident

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      string
		wantReply string
		wantErr   bool
	}{
		{name: "userid", line: "6193, 23 : USERID : UNIX : stjohns\r\n", want: "stjohns"},
		{name: "charset and colon in id", line: "6193,23:USERID:UNIX , UTF-8:st:johns", want: "st:johns"},
		{name: "spaces and control chars dropped", line: "6193, 23 : USERID : OTHER : a b\x01c", want: "abc"},
		{name: "error reply", line: "6193, 23 : ERROR : NO-USER\r\n", wantReply: "NO-USER"},
		{name: "wrong ports", line: "1, 2 : USERID : UNIX : x", wantErr: true},
		{name: "not a reply", line: "hello", wantErr: true},
		{name: "unknown type", line: "6193, 23 : MAYBE : x : y", wantErr: true},
		{name: "empty user", line: "6193, 23 : USERID : UNIX :   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReply(tt.line, 6193, 23)
			switch {
			case tt.wantReply != "":
				var re *ReplyError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.wantReply, re.Reason)
			case tt.wantErr:
				assert.ErrorIs(t, err, ErrMalformedReply)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

// fakeIdentd answers each query with reply(query line).
func fakeIdentd(t *testing.T, reply func(query string) string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				if r := reply(line); r != "" {
					_, _ = conn.Write([]byte(r))
				} else {
					time.Sleep(time.Second)
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestQuery(t *testing.T) {
	port := fakeIdentd(t, func(q string) string {
		if q != "40000 , 6667\r\n" {
			return "0, 0 : ERROR : INVALID-PORT\r\n"
		}
		return "40000, 6667 : USERID : UNIX : alice\r\n"
	})
	c := &Client{Port: port, Timeout: time.Second}

	user, err := c.Query(context.Background(), "127.0.0.1", 40000, 6667, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = c.Query(context.Background(), "127.0.0.1", 0, 6667, "")
	assert.Error(t, err)
}

func TestQueryTimeout(t *testing.T) {
	port := fakeIdentd(t, func(string) string { return "" })
	c := &Client{Port: port, Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := c.Query(context.Background(), "127.0.0.1", 40000, 6667, "")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestQueryConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := &Client{Port: port, Timeout: time.Second}
	_, err = c.Query(context.Background(), "127.0.0.1", 40000, 6667, "")
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	port := fakeIdentd(t, func(q string) string {
		return q[:len(q)-2] + " : ERROR : NO-USER\r\n"
	})
	h := &Handler{Client: &Client{Port: port, Timeout: time.Second}}

	_, err := h.ServeRequest(context.Background(), "127.0.0.1 40000 6667", nil)
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "NO-USER", re.Reason)

	for _, bad := range []string{"", "127.0.0.1 40000", "nope 1 2", "127.0.0.1 x 2", "127.0.0.1 1 " + strconv.Itoa(1<<20)} {
		_, err := h.ServeRequest(context.Background(), bad, nil)
		assert.Error(t, err, bad)
	}
}
