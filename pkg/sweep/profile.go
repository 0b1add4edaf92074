package sweep

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/mslinn/umtest/pkg/remote"
)

// setup uploads the plan's files and runs the profile setup commands on
// every profile node. Any failure aborts the sweep.
func (d *Driver) setup(ctx context.Context) error {
	for _, u := range d.Plan.Uploads {
		if err := d.upload(ctx, u); err != nil {
			return fmt.Errorf("%w: %w", ErrProfile, err)
		}
	}
	if len(d.Plan.Profile.Setup) == 0 {
		return nil
	}

	nodes := d.profileNodes(d.Plan.Profile.Nodes)
	d.Logger.Info("switching testbed profile", "nodes", len(nodes))
	if err := d.onNodes(ctx, nodes, d.Plan.Profile.Setup); err != nil {
		return fmt.Errorf("%w: %w", ErrProfile, err)
	}
	return nil
}

// teardown runs the profile teardown commands. Failures are logged.
func (d *Driver) teardown(ctx context.Context) {
	if len(d.Plan.Profile.Teardown) == 0 {
		return
	}
	// Teardown also runs after an interrupted sweep.
	ctx = context.WithoutCancel(ctx)
	nodes := d.profileNodes(d.Plan.Profile.Nodes)
	d.Logger.Info("tearing down testbed profile", "nodes", len(nodes))
	if err := d.onNodes(ctx, nodes, d.Plan.Profile.Teardown); err != nil {
		d.Logger.Warn("profile teardown failed", "err", err)
	}
}

// onNodes runs commands, in order, on all nodes in parallel. It stops at
// the first failure.
func (d *Driver) onNodes(ctx context.Context, nodes []string, commands []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		host := d.Resolve(node)
		g.Go(func() error {
			for _, line := range commands {
				result, err := d.exec.Execute(ctx, host, remote.Shell(line), d.Plan.Timeout)
				if err != nil {
					return err
				}
				if result.RC != 0 {
					return &CommandFailedError{Host: host, Command: line, RC: result.RC, Stderr: result.Stderr}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) upload(ctx context.Context, u Upload) error {
	mode, err := u.FileMode()
	if err != nil {
		return err
	}
	nodes := d.profileNodes(u.Nodes)
	d.Logger.Info("uploading", "src", u.Src, "dst", u.Dst, "nodes", len(nodes))

	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		host := d.Resolve(node)
		g.Go(func() error {
			f, err := os.Open(u.Src)
			if err != nil {
				return fmt.Errorf("failed to open upload: %w", err)
			}
			defer f.Close()
			return d.Exec.CopyTo(ctx, host, f, u.Dst, mode)
		})
	}
	return g.Wait()
}

// profileNodes returns nodes, or every run endpoint when nodes is empty.
func (d *Driver) profileNodes(nodes []string) []string {
	if len(nodes) > 0 {
		return nodes
	}
	return d.nodes()
}
