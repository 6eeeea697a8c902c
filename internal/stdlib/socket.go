package stdlib

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/gorilla/websocket"

	"vela/internal/value"
	"vela/internal/vm"
)

const (
	wsHandleName  = "socket.WS"
	tcpHandleName = "socket.TCP"
)

// newSocketModule implements SPEC_FULL.md §B's `socket` module:
// WebSocket primitives over gorilla/websocket (ws_dial/ws_send/ws_recv/
// ws_close) plus plain TCP connect/listen/accept/send/recv/close over
// net, all routed through vm.Blocking since every one of these calls
// can block on the network (spec §5 park/release/block/reacquire).
func newSocketModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"ws_dial":  wsDial(v),
		"ws_send":  wsSend(v),
		"ws_recv":  wsRecv(v),
		"ws_close": wsClose(v),
		"connect":  tcpConnect(v),
		"listen":   tcpListen(v),
		"accept":   tcpAccept(v),
		"send":     tcpSend(v),
		"recv":     tcpRecv(v),
		"close":    tcpClose(v),
	}), nil
}

func wsDial(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		url, err := argString(args, 0, "socket.ws_dial")
		if err != nil {
			return nil, err
		}
		res, err := v.Blocking(func() (value.Value, error) {
			conn, _, derr := websocket.DefaultDialer.Dial(url, nil)
			if derr != nil {
				return nil, derr
			}
			return &value.Userdata{Name: wsHandleName, Data: conn, Finalizer: func(u *value.Userdata) {
				if c, ok := u.Data.(*websocket.Conn); ok {
					c.Close()
				}
			}}, nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func wsSend(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, wsHandleName, "socket.ws_send")
		if err != nil {
			return nil, err
		}
		text, err := argString(args, 1, "socket.ws_send")
		if err != nil {
			return nil, err
		}
		_, err = v.Blocking(func() (value.Value, error) {
			conn := u.Data.(*websocket.Conn)
			return nil, conn.WriteMessage(websocket.TextMessage, []byte(text))
		})
		return nil, err
	}
}

func wsRecv(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, wsHandleName, "socket.ws_recv")
		if err != nil {
			return nil, err
		}
		res, err := v.Blocking(func() (value.Value, error) {
			conn := u.Data.(*websocket.Conn)
			_, msg, rerr := conn.ReadMessage()
			if rerr != nil {
				return nil, rerr
			}
			return value.NewString(string(msg)), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func wsClose(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, wsHandleName, "socket.ws_close")
		if err != nil {
			return nil, err
		}
		u.Closed = true
		conn := u.Data.(*websocket.Conn)
		return nil, conn.Close()
	}
}

func tcpConnect(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		host, err := argString(args, 0, "socket.connect")
		if err != nil {
			return nil, err
		}
		port, err := argNumber(args, 1, "socket.connect")
		if err != nil {
			return nil, err
		}
		res, err := v.Blocking(func() (value.Value, error) {
			conn, derr := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
			if derr != nil {
				return nil, derr
			}
			return wrapConn(conn), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func wrapConn(conn net.Conn) *value.Userdata {
	return &value.Userdata{Name: tcpHandleName, Data: conn, Finalizer: func(u *value.Userdata) {
		if c, ok := u.Data.(net.Conn); ok {
			c.Close()
		}
	}}
}

func tcpListen(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		host, err := argString(args, 0, "socket.listen")
		if err != nil {
			return nil, err
		}
		port, err := argNumber(args, 1, "socket.listen")
		if err != nil {
			return nil, err
		}
		ln, lerr := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if lerr != nil {
			return nil, lerr
		}
		return &value.Userdata{Name: tcpHandleName, Data: ln, Finalizer: func(u *value.Userdata) {
			if l, ok := u.Data.(net.Listener); ok {
				l.Close()
			}
		}}, nil
	}
}

func tcpAccept(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, tcpHandleName, "socket.accept")
		if err != nil {
			return nil, err
		}
		ln, ok := u.Data.(net.Listener)
		if !ok {
			return nil, errNotAListener
		}
		res, err := v.Blocking(func() (value.Value, error) {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return nil, aerr
			}
			return wrapConn(conn), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

var errNotAListener = fmt.Errorf("socket.accept: handle is not a listener")

func tcpSend(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, tcpHandleName, "socket.send")
		if err != nil {
			return nil, err
		}
		data, err := argString(args, 1, "socket.send")
		if err != nil {
			return nil, err
		}
		conn, ok := u.Data.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("socket.send: handle is not a connection")
		}
		_, err = v.Blocking(func() (value.Value, error) {
			_, werr := conn.Write([]byte(data))
			return nil, werr
		})
		return nil, err
	}
}

func tcpRecv(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, tcpHandleName, "socket.recv")
		if err != nil {
			return nil, err
		}
		n := int(optNumber(args, 1, 4096))
		conn, ok := u.Data.(net.Conn)
		if !ok {
			return nil, fmt.Errorf("socket.recv: handle is not a connection")
		}
		res, err := v.Blocking(func() (value.Value, error) {
			buf := make([]byte, n)
			read, rerr := conn.Read(buf)
			if rerr != nil && rerr != io.EOF {
				return nil, rerr
			}
			return value.NewString(string(buf[:read])), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func tcpClose(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		u, err := argUserdata(args, 0, tcpHandleName, "socket.close")
		if err != nil {
			return nil, err
		}
		u.Closed = true
		switch c := u.Data.(type) {
		case net.Conn:
			return nil, c.Close()
		case net.Listener:
			return nil, c.Close()
		}
		return nil, nil
	}
}
