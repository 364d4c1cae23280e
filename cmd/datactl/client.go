package main

import (
	"fmt"

	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"go.klb.dev/datactl/internal/ipc"
	"go.klb.dev/datactl/internal/rpc"
	"go.klb.dev/datactl/internal/tlsconf"
)

// dialControl connects to the server named by --server (TLS) or, by default,
// to the local socket.
func dialControl(v *viper.Viper) (*rpc.Client, string, error) {
	token := v.GetString("token")
	opts := rpc.DialOptions{Token: token, Name: v.GetString("name")}

	if addr := v.GetString("server"); addr != "" {
		if token == "" {
			return nil, "", fmt.Errorf("--server requires --token")
		}
		creds, err := tlsconf.New(token)
		if err != nil {
			return nil, "", err
		}
		opts.Creds = creds.Client()
		c, err := rpc.Dial(addr, opts)
		return c, "tcp (" + addr + ")", err
	}

	path := v.GetString("socket")
	if !ipc.IsRunning(path) {
		return nil, "", fmt.Errorf("no datactl server on %s", path)
	}
	c, err := rpc.Dial("passthrough:///datactl", opts, grpc.WithContextDialer(ipc.Dialer(path)))
	return c, "ipc (" + path + ")", err
}
