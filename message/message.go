// Package message defines the payloads exchanged between consumer, provider and registry.
//
// RpcRequest and RpcResponse are the "envelopes" for every call. They get serialized by the
// codec layer and wrapped in a protocol frame (TCP) or an HTTP body.
package message

import (
	"net"
	"reflect"
	"strconv"
)

// DefaultServiceVersion is used when a provider or stub does not name a version.
const DefaultServiceVersion = "1.0"

// ServiceMetaInfo describes one running provider instance.
type ServiceMetaInfo struct {
	ServiceName    string `json:"serviceName" msgpack:"serviceName"`
	ServiceVersion string `json:"serviceVersion" msgpack:"serviceVersion"`
	ServiceHost    string `json:"serviceHost" msgpack:"serviceHost"`
	ServicePort    int    `json:"servicePort" msgpack:"servicePort"`
}

// ServiceKey groups all instances of one logical service, e.g. "UserService:1.0".
func ServiceKey(name, version string) string {
	if version == "" {
		version = DefaultServiceVersion
	}
	return name + ":" + version
}

func (m *ServiceMetaInfo) ServiceKey() string {
	return ServiceKey(m.ServiceName, m.ServiceVersion)
}

// ServiceNodeKey identifies one instance, e.g. "UserService:1.0/10.0.0.1:8080".
// It always starts with ServiceKey() + "/" so that a prefix scan over a serviceKey
// finds every node.
func (m *ServiceMetaInfo) ServiceNodeKey() string {
	return m.ServiceKey() + "/" + m.ServiceAddress()
}

// ServiceAddress returns a dialable host:port.
func (m *ServiceMetaInfo) ServiceAddress() string {
	return net.JoinHostPort(m.ServiceHost, strconv.Itoa(m.ServicePort))
}

// URL returns scheme://host:port.
func (m *ServiceMetaInfo) URL(scheme string) string {
	return scheme + "://" + m.ServiceAddress()
}

// Clone returns an independent copy, caches never share pointers with backends.
func (m *ServiceMetaInfo) Clone() *ServiceMetaInfo {
	c := *m
	return &c
}

// SplitNodeKey splits a node key into its serviceKey and address parts.
func SplitNodeKey(nodeKey string) (serviceKey, address string, ok bool) {
	for i := 0; i < len(nodeKey); i++ {
		if nodeKey[i] == '/' {
			return nodeKey[:i], nodeKey[i+1:], true
		}
	}
	return "", "", false
}

// RpcRequest carries a single invocation. It is built once per call and never mutated.
type RpcRequest struct {
	ServiceName    string   `json:"serviceName" msgpack:"serviceName"`
	MethodName     string   `json:"methodName" msgpack:"methodName"`
	ServiceVersion string   `json:"serviceVersion" msgpack:"serviceVersion"`
	ParameterTypes []string `json:"parameterTypes" msgpack:"parameterTypes"`
	Args           []any    `json:"args" msgpack:"args"`
}

// NewRequest copies paramTypes and args so the caller may reuse its slices.
func NewRequest(serviceName, version, method string, paramTypes []string, args []any) *RpcRequest {
	if version == "" {
		version = DefaultServiceVersion
	}
	return &RpcRequest{
		ServiceName:    serviceName,
		MethodName:     method,
		ServiceVersion: version,
		ParameterTypes: append([]string(nil), paramTypes...),
		Args:           append([]any(nil), args...),
	}
}

func (r *RpcRequest) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.ServiceVersion)
}

// RpcResponse is the result of one invocation.
//
//   - On success: Data holds the return value and DataType its Go type name.
//   - On failure: Exception is non-empty and Message carries the human readable cause.
type RpcResponse struct {
	Data      any    `json:"data" msgpack:"data"`
	DataType  string `json:"dataType" msgpack:"dataType"`
	Message   string `json:"message" msgpack:"message"`
	Exception string `json:"exception" msgpack:"exception"`
}

// Failed reports whether the remote side captured an error.
func (r *RpcResponse) Failed() bool {
	return r.Exception != ""
}

// TypeName is the parameter/data type name both sides agree on, e.g. "int" or "model.User".
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// TypeNameOf is TypeName for a value known only at run time. It returns "" for nil.
func TypeNameOf(v any) string {
	if v == nil {
		return ""
	}
	return reflect.TypeOf(v).String()
}
