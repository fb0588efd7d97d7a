// turnip-hook is installed into every repository as pre-receive, update
// and post-receive (all symlinks to one binary) and dispatches on the
// name it was invoked under. It has no network or database access of its
// own; everything goes through the unix-socket bridge identified by
// TURNIP_HOOK_RPC_SOCK, authenticated with the per-session key in
// TURNIP_HOOK_RPC_KEY.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/getturnip/turnip/internal/gitutil"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/virtinfo"
)

func main() {
	os.Exit(run(filepath.Base(os.Args[0]), os.Args[1:], os.Stdin, os.Stderr))
}

func run(hookName string, args []string, stdin io.Reader, stderr io.Writer) int {
	sock := os.Getenv("TURNIP_HOOK_RPC_SOCK")
	key := os.Getenv("TURNIP_HOOK_RPC_KEY")
	if sock == "" || key == "" {
		// Without a session there is nobody to ask for permission,
		// and "could not ask" must read as "no".
		if hookName == "post-receive" {
			return 0
		}
		fmt.Fprintln(stderr, "turnip-hook: no RPC session in environment")
		return 1
	}

	client, err := hookrpc.Dial(sock, key)
	if err != nil {
		if hookName == "post-receive" {
			return 0
		}
		fmt.Fprintf(stderr, "turnip-hook: cannot reach RPC bridge: %v\n", err)
		return 1
	}
	defer client.Close()

	switch hookName {
	case "pre-receive":
		return preReceive(client, stdin, stderr)
	case "update":
		return update(client, args, stderr)
	case "post-receive":
		return postReceive(client, stdin)
	default:
		fmt.Fprintf(stderr, "turnip-hook: invoked under unknown name %q\n", hookName)
		return 1
	}
}

// parseRefLines reads "<old> SP <new> SP <refname>" lines as fed to
// pre-receive and post-receive on stdin.
func parseRefLines(r io.Reader) ([]virtinfo.RefUpdate, error) {
	var refs []virtinfo.RefUpdate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref line %q", line)
		}
		refs = append(refs, virtinfo.RefUpdate{
			Ref: fields[2],
			Old: fields[0],
			New: fields[1],
		})
	}
	return refs, scanner.Err()
}

// preReceive checks the whole push in one batch. It reports every
// denied ref so the pusher sees all the problems at once, but leaves
// the actual per-ref rejection to the update hook; failing here would
// throw away the allowed refs along with the denied ones.
func preReceive(client *hookrpc.Client, stdin io.Reader, stderr io.Writer) int {
	refs, err := parseRefLines(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "turnip-hook: %v\n", err)
		return 1
	}
	if len(refs) == 0 {
		return 0
	}
	decisions, err := client.CheckRefPermissions(refs)
	if err != nil {
		fmt.Fprintf(stderr, "turnip-hook: permission check failed: %v\n", err)
		return 1
	}
	for _, d := range decisions {
		if !d.Allowed {
			fmt.Fprintf(stderr, "%s: %s\n", shortRefName(d.Ref), denialReason(d))
		}
	}
	return 0
}

// update enforces the verdict for a single ref. The bridge serves this
// from its session cache, so the push still costs one authorization
// round trip no matter how many refs it carries.
func update(client *hookrpc.Client, args []string, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, "turnip-hook: update expects <refname> <old> <new>")
		return 1
	}
	ref := virtinfo.RefUpdate{Ref: args[0], Old: args[1], New: args[2]}
	decisions, err := client.CheckRefPermissions([]virtinfo.RefUpdate{ref})
	if err != nil {
		fmt.Fprintf(stderr, "turnip-hook: permission check failed: %v\n", err)
		return 1
	}
	if len(decisions) != 1 {
		fmt.Fprintln(stderr, "turnip-hook: no decision for ref")
		return 1
	}
	if !decisions[0].Allowed {
		fmt.Fprintf(stderr, "%s: %s\n", shortRefName(args[0]), denialReason(decisions[0]))
		return 1
	}
	return 0
}

// postReceive reports the completed push together with the repository's
// object counts so the owning service can schedule repacks. The push has
// already landed, so nothing here may fail it.
func postReceive(client *hookrpc.Client, stdin io.Reader) int {
	refs, err := parseRefLines(stdin)
	if err != nil || len(refs) == 0 {
		return 0
	}
	loose, packs := gitutil.ObjectStats(".")
	client.NotifyPush(loose, packs)
	return 0
}

func shortRefName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ref
}

func denialReason(d virtinfo.RefDecision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "permission denied"
}
