package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"krpc/codec"
	"krpc/message"
)

// Invoker runs one method. args are generically decoded by c and must be
// converted to the method's parameter types before use.
type Invoker func(ctx context.Context, c codec.Codec, args []any) (any, error)

type method struct {
	name       string
	paramTypes []string
	invoke     Invoker
}

// Service is an explicit method table: (methodName, parameter signature) → Invoker.
type Service struct {
	name    string
	mu      sync.RWMutex
	methods map[string]*method
}

// NewService 创建一个空的方法表，用 Handle 或 Method0..Method3 填充
func NewService(name string) *Service {
	return &Service{name: name, methods: make(map[string]*method)}
}

func (s *Service) Name() string {
	return s.name
}

// Signature renders the lookup key, e.g. "add(int,int)".
func Signature(methodName string, paramTypes []string) string {
	return methodName + "(" + strings.Join(paramTypes, ",") + ")"
}

// Handle binds name+paramTypes to fn, overwriting an earlier binding.
func (s *Service) Handle(name string, paramTypes []string, fn Invoker) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[Signature(name, paramTypes)] = &method{
		name:       name,
		paramTypes: append([]string(nil), paramTypes...),
		invoke:     fn,
	}
	return s
}

func (s *Service) lookup(name string, paramTypes []string) (*method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[Signature(name, paramTypes)]
	return m, ok
}

// Methods lists the bound signatures in sorted order.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.methods))
	for sig := range s.methods {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}

func arg[T any](c codec.Codec, args []any, i int) (T, error) {
	v, err := codec.Convert[T](c, args[i])
	if err != nil {
		return v, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

func arity(args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

// Method0 binds a method without parameters.
func Method0[R any](s *Service, name string, fn func(ctx context.Context) (R, error)) *Service {
	return s.Handle(name, nil, func(ctx context.Context, c codec.Codec, args []any) (any, error) {
		if err := arity(args, 0); err != nil {
			return nil, err
		}
		return fn(ctx)
	})
}

// Method1 binds a one-parameter method, the parameter type name is TypeName[A].
func Method1[A, R any](s *Service, name string, fn func(ctx context.Context, a A) (R, error)) *Service {
	types := []string{message.TypeName[A]()}
	return s.Handle(name, types, func(ctx context.Context, c codec.Codec, args []any) (any, error) {
		if err := arity(args, 1); err != nil {
			return nil, err
		}
		a, err := arg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	})
}

func Method2[A, B, R any](s *Service, name string, fn func(ctx context.Context, a A, b B) (R, error)) *Service {
	types := []string{message.TypeName[A](), message.TypeName[B]()}
	return s.Handle(name, types, func(ctx context.Context, c codec.Codec, args []any) (any, error) {
		if err := arity(args, 2); err != nil {
			return nil, err
		}
		a, err := arg[A](c, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](c, args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	})
}

func Method3[A, B, C, R any](s *Service, name string, fn func(ctx context.Context, a A, b B, c C) (R, error)) *Service {
	types := []string{message.TypeName[A](), message.TypeName[B](), message.TypeName[C]()}
	return s.Handle(name, types, func(ctx context.Context, cd codec.Codec, args []any) (any, error) {
		if err := arity(args, 3); err != nil {
			return nil, err
		}
		a, err := arg[A](cd, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](cd, args, 1)
		if err != nil {
			return nil, err
		}
		c, err := arg[C](cd, args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	})
}

// LocalRegistry maps serviceName → Service for the dispatcher. Providers may
// register and remove at any time, reads never block each other.
type LocalRegistry struct {
	services sync.Map // map[string]*Service
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{}
}

// Register binds name to svc, overwriting any prior binding.
func (r *LocalRegistry) Register(name string, svc *Service) {
	r.services.Store(name, svc)
}

func (r *LocalRegistry) Get(name string) (*Service, bool) {
	v, ok := r.services.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Service), true
}

func (r *LocalRegistry) Remove(name string) {
	r.services.Delete(name)
}

// Names lists registered service names in sorted order.
func (r *LocalRegistry) Names() []string {
	var names []string
	r.services.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}
