// Package topology boots the set of guests a scenario runs against.
package topology

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/meshprobe/internal/config"
	"github.com/eugenetaranov/meshprobe/internal/guest"
)

// BootFunc boots one host and returns it once its remote shell answers.
// On failure it must leave nothing running.
type BootFunc func(ctx context.Context, spec config.Host) (*guest.Host, error)

// Entry is one host bound to its role.
type Entry struct {
	Role guest.Role
	Host *guest.Host
}

// Topology is an ordered list of booted hosts. Order is the order the hosts
// were declared in and is kept for reporting only.
type Topology struct {
	entries []Entry
	once    []sync.Once
}

// New wraps already booted hosts.
func New(hosts ...*guest.Host) *Topology {
	t := &Topology{
		entries: make([]Entry, len(hosts)),
		once:    make([]sync.Once, len(hosts)),
	}
	for i, h := range hosts {
		t.entries[i] = Entry{Role: h.Role, Host: h}
	}
	return t
}

// Build boots every host concurrently. If any boot fails, the hosts that did
// come up are terminated and the first error is returned.
func Build(ctx context.Context, specs []config.Host, boot BootFunc) (*Topology, error) {
	hosts := make([]*guest.Host, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			h, err := boot(gctx, spec)
			if err != nil {
				return fmt.Errorf("booting %s: %w", spec.Hostname, err)
			}
			hosts[i] = h
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var up []*guest.Host
		for _, h := range hosts {
			if h != nil {
				up = append(up, h)
			}
		}
		New(up...).Close(context.WithoutCancel(ctx))
		return nil, err
	}

	return New(hosts...), nil
}

// Entries returns every (role, host) pair in order.
func (t *Topology) Entries() []Entry {
	return t.entries
}

// Hosts returns every host in order.
func (t *Topology) Hosts() []*guest.Host {
	hosts := make([]*guest.Host, len(t.entries))
	for i, e := range t.entries {
		hosts[i] = e.Host
	}
	return hosts
}

// Lighthouse returns the lighthouse, or nil.
func (t *Topology) Lighthouse() *guest.Host {
	for _, e := range t.entries {
		if e.Role == guest.RoleLighthouse {
			return e.Host
		}
	}
	return nil
}

// Nodes returns the node-role hosts in order.
func (t *Topology) Nodes() []*guest.Host {
	var nodes []*guest.Host
	for _, e := range t.entries {
		if e.Role == guest.RoleNode {
			nodes = append(nodes, e.Host)
		}
	}
	return nodes
}

// Host returns the host with the given hostname, or nil.
func (t *Topology) Host(hostname string) *guest.Host {
	for _, e := range t.entries {
		if e.Host.Hostname == hostname {
			return e.Host
		}
	}
	return nil
}

// Len returns the number of hosts.
func (t *Topology) Len() int {
	return len(t.entries)
}

// Close terminates every host concurrently. Each host is terminated at most
// once no matter how often Close is called.
func (t *Topology) Close(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range t.entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.once[i].Do(func() {
				t.entries[i].Host.Terminate(ctx)
			})
		}()
	}
	wg.Wait()
}
