// Package clientconfig encodes and decodes the client config blob returned
// by the data reduction proxy config service.
//
// The blob is a protobuf message:
//
//	message ClientConfig {
//	  string session_key = 1;
//	  google.protobuf.Timestamp expire_time = 2;
//	  ProxyConfig proxy_config = 3;
//	}
//	message ProxyConfig { repeated ProxyServer http_proxy_servers = 1; }
//	message ProxyServer { ProxyScheme scheme = 1; string host = 2; int32 port = 3; }
package clientconfig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/cr0hn/drpd/internal/params"
)

// ErrMalformed is returned when the blob cannot be decoded.
var ErrMalformed = errors.New("malformed client config")

// Scheme mirrors the ProxyScheme enum on the wire.
type Scheme int32

const (
	SchemeUnspecified Scheme = 0
	SchemeHTTP        Scheme = 1
	SchemeHTTPS       Scheme = 2
	SchemeQUIC        Scheme = 3
)

// ProxyServer is one server entry of the remote config.
type ProxyServer struct {
	Scheme Scheme
	Host   string
	Port   int32
}

// ProxyConfig carries the proxy lists.
type ProxyConfig struct {
	HTTPProxyServers []ProxyServer
}

// ClientConfig is the decoded config service response.
type ClientConfig struct {
	SessionKey string
	// ExpireTime is zero when the field is absent.
	ExpireTime  time.Time
	ProxyConfig *ProxyConfig
}

// HTTPProxies converts the HTTP proxy list, skipping entries with an
// unspecified scheme.
func (c *ClientConfig) HTTPProxies() []params.ProxyServer {
	if c == nil || c.ProxyConfig == nil {
		return nil
	}
	out := make([]params.ProxyServer, 0, len(c.ProxyConfig.HTTPProxyServers))
	for _, s := range c.ProxyConfig.HTTPProxyServers {
		scheme, ok := toParamsScheme(s.Scheme)
		if !ok {
			continue
		}
		out = append(out, params.ProxyServer{Scheme: scheme, Host: s.Host, Port: int(s.Port)})
	}
	return out
}

// FromProxyServer converts a params server into its wire form.
func FromProxyServer(p params.ProxyServer) ProxyServer {
	var scheme Scheme
	switch p.Scheme {
	case params.SchemeHTTP:
		scheme = SchemeHTTP
	case params.SchemeHTTPS:
		scheme = SchemeHTTPS
	case params.SchemeQUIC:
		scheme = SchemeQUIC
	}
	return ProxyServer{Scheme: scheme, Host: p.Host, Port: int32(p.Port)}
}

func toParamsScheme(s Scheme) (params.Scheme, bool) {
	switch s {
	case SchemeHTTP:
		return params.SchemeHTTP, true
	case SchemeHTTPS:
		return params.SchemeHTTPS, true
	case SchemeQUIC:
		return params.SchemeQUIC, true
	default:
		return params.SchemeInvalid, false
	}
}

// Marshal encodes the config in protobuf wire format.
func Marshal(c *ClientConfig) ([]byte, error) {
	var b []byte
	if c.SessionKey != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, c.SessionKey)
	}
	if !c.ExpireTime.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(c.ExpireTime))
		if err != nil {
			return nil, fmt.Errorf("encoding expire_time: %w", err)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	if c.ProxyConfig != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalProxyConfig(c.ProxyConfig))
	}
	return b, nil
}

func marshalProxyConfig(pc *ProxyConfig) []byte {
	var b []byte
	for _, s := range pc.HTTPProxyServers {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalProxyServer(s))
	}
	return b
}

func marshalProxyServer(s ProxyServer) []byte {
	var b []byte
	if s.Scheme != SchemeUnspecified {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Scheme))
	}
	if s.Host != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.Host)
	}
	if s.Port != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Port))
	}
	return b
}

// Unmarshal decodes a protobuf wire-format config. Unknown fields are skipped.
func Unmarshal(b []byte) (*ClientConfig, error) {
	c := &ClientConfig{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			c.SessionKey = string(v)
		case num == 2 && typ == protowire.BytesType:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("%w: expire_time: %v", ErrMalformed, err)
			}
			if err := ts.CheckValid(); err != nil {
				return fmt.Errorf("%w: expire_time: %v", ErrMalformed, err)
			}
			c.ExpireTime = ts.AsTime()
		case num == 3 && typ == protowire.BytesType:
			pc, err := unmarshalProxyConfig(v)
			if err != nil {
				return err
			}
			c.ProxyConfig = pc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalProxyConfig(b []byte) (*ProxyConfig, error) {
	pc := &ProxyConfig{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		s, err := unmarshalProxyServer(v)
		if err != nil {
			return err
		}
		pc.HTTPProxyServers = append(pc.HTTPProxyServers, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func unmarshalProxyServer(b []byte) (ProxyServer, error) {
	var s ProxyServer
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.Scheme = Scheme(int32(n))
		case num == 2 && typ == protowire.BytesType:
			s.Host = string(v)
		case num == 3 && typ == protowire.VarintType:
			s.Port = int32(n)
		}
		return nil
	})
	return s, err
}

// walk iterates over the fields of one message. For length-delimited fields
// v holds the payload; for varints n holds the value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		var (
			v   []byte
			n   uint64
			cnt int
		)
		switch typ {
		case protowire.BytesType:
			v, cnt = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			n, cnt = protowire.ConsumeVarint(b)
		default:
			cnt = protowire.ConsumeFieldValue(num, typ, b)
		}
		if cnt < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(cnt))
		}
		b = b[cnt:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBase64 serialises the config for persistence.
func EncodeBase64(c *ClientConfig) (string, error) {
	b, err := Marshal(c)
	if err != nil {
		return "", err
	}
	return EncodeRaw(b), nil
}

// EncodeRaw encodes an already serialised config for persistence.
func EncodeRaw(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 restores a config persisted with EncodeBase64.
func DecodeBase64(s string) (*ClientConfig, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	return Unmarshal(b)
}
