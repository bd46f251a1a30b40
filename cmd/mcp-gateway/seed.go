package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/mcpgov/policy-gateway/internal/config"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/policyrepo"
	"github.com/mcpgov/policy-gateway/internal/registry"
)

func applySeedFile(ctx context.Context, path string, reg *registry.Registry, policies *policyrepo.Repo) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	return applySeed(ctx, seed, reg, policies)
}

// applySeed reconciles the store's servers, groups, and policies against
// seed, creating anything missing and updating anything that already
// exists by name. It is used both at startup and on every hot-reload of
// the watched seed file.
func applySeed(ctx context.Context, seed config.Seed, reg *registry.Registry, policies *policyrepo.Repo) error {
	for _, desc := range seed.Servers {
		var err error
		if reg.GetServer(desc.Name) != nil {
			err = reg.UpdateServer(ctx, desc)
		} else {
			err = reg.CreateServer(ctx, desc)
		}
		if err != nil {
			log.Logf("seed: server %s: %v", desc.Name, err)
		}
	}

	for _, grp := range seed.Groups {
		if grp.ID == "" {
			grp.ID = uuid.NewString()
		}
		var err error
		if reg.GetGroup(grp.ID) != nil {
			err = reg.UpdateGroup(ctx, grp)
		} else {
			err = reg.CreateGroup(ctx, grp)
		}
		if err != nil {
			log.Logf("seed: group %s: %v", grp.Name, err)
		}
	}

	for _, p := range seed.Policies {
		if err := upsertPolicy(ctx, policies, p); err != nil {
			log.Logf("seed: policy %s: %v", p.Name, err)
		}
	}

	return nil
}

func upsertPolicy(ctx context.Context, policies *policyrepo.Repo, p policymodel.Policy) error {
	existing, err := policies.List(ctx, policymodel.Filter{Query: p.PolicyCode})
	if err == nil {
		for _, e := range existing {
			if p.PolicyCode != "" && e.PolicyCode == p.PolicyCode {
				p.PolicyID = e.PolicyID
				_, err := policies.Update(ctx, p)
				return err
			}
		}
	}
	_, err = policies.Create(ctx, p)
	return err
}
