// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net"
	"net/url"
	"os"
)

// URL is an url.URL, which expands environment variables when parsed
type URL struct {
	*url.URL
}

func ParseURL(s string) (URL, error) {
	var u URL
	err := u.UnmarshalText([]byte(s))
	return u, err
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("url needs a scheme and a host, e.g. `http://some-url.com`")
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// TCPAddr is a listen address, which expands environment variables when parsed
type TCPAddr struct {
	*net.TCPAddr
}

func ParseTCPAddr(s string) (TCPAddr, error) {
	var addr TCPAddr
	err := addr.UnmarshalText([]byte(s))
	return addr, err
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	expanded := os.ExpandEnv(string(text))
	parsed, err := net.ResolveTCPAddr("tcp", expanded)
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}
