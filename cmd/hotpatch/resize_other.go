//go:build !unix

package main

import "hotpatch/internal/client"

func watchResize(int, *client.Terminal) func() {
	return func() {}
}
