//go:build !unix

package store

import "context"

func lockFile(ctx context.Context, path string) (func(), error) {
	return func() {}, ctx.Err()
}
