package domain

import (
	"fmt"
	"strings"
)

type AccountID string

// Account is a tenant of the build pool. Buckets lists the storage buckets the
// account may mount into its containers.
type Account struct {
	ID      AccountID
	Name    string
	Buckets []BucketGrant
}

type BucketGrant struct {
	Bucket            string
	ServiceAccountRef string
}

func (a Account) Validate() error {
	if strings.TrimSpace(string(a.ID)) == "" {
		return fmt.Errorf("id is required")
	}

	seen := make(map[string]struct{}, len(a.Buckets))
	for _, grant := range a.Buckets {
		bucket := strings.TrimSpace(grant.Bucket)
		if bucket == "" {
			return fmt.Errorf("account %s: bucket name is required", a.ID)
		}
		if strings.TrimSpace(grant.ServiceAccountRef) == "" {
			return fmt.Errorf("account %s: bucket %s has no service account reference", a.ID, bucket)
		}
		if _, ok := seen[bucket]; ok {
			return fmt.Errorf("account %s: bucket %s listed twice", a.ID, bucket)
		}
		seen[bucket] = struct{}{}
	}

	return nil
}

func (a Account) GrantFor(bucket string) (BucketGrant, bool) {
	for _, grant := range a.Buckets {
		if grant.Bucket == bucket {
			return grant, true
		}
	}

	return BucketGrant{}, false
}
