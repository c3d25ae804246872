package xcpngtests

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// XeArgs is the key=value argument map of one xe invocation. Map-valued
// XAPI parameters are flattened by the caller as "name:key" entries,
// e.g. "device-config:location" or "vdi:<uuid>".
type XeArgs map[string]string

// XeOptions are the output-shaping flags of the xe CLI.
type XeOptions struct {
	Minimal bool
	Force   bool
}

// XapiBool renders a bool the way the xe CLI expects it.
func XapiBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// xeCommand assembles the argv for one xe invocation. Arguments are
// emitted in sorted key order so invocations are deterministic.
func xeCommand(action string, args XeArgs, opts *XeOptions) []string {
	cmd := []string{"xe", action}
	if opts != nil && opts.Minimal {
		cmd = append(cmd, "--minimal")
	}
	if opts != nil && opts.Force {
		cmd = append(cmd, "--force")
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd = append(cmd, fmt.Sprintf("%s=%s", k, quoteArg(args[k])))
	}
	return cmd
}

// quoteArg protects a value from the remote shell, leaving plain
// values untouched so logs stay readable.
func quoteArg(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, " \t\n\"'`$&|;<>()*?[]#~%{}\\") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// Xe runs an xe action on the host and returns its trimmed output.
func (h *Host) Xe(action string, args XeArgs) (string, error) {
	return h.XeOpt(action, args, nil)
}

// XeMinimal runs an xe action with --minimal output.
func (h *Host) XeMinimal(action string, args XeArgs) (string, error) {
	return h.XeOpt(action, args, &XeOptions{Minimal: true})
}

func (h *Host) XeOpt(action string, args XeArgs, opts *XeOptions) (string, error) {
	return h.gw.SSH(h.addr, xeCommand(action, args, opts))
}

// XeWithResult runs an xe action without failing on nonzero exit.
func (h *Host) XeWithResult(action string, args XeArgs) (*Result, error) {
	return h.gw.SSHWithResult(h.addr, xeCommand(action, args, nil))
}

// Shared property plumbing for every handle class ("vm", "host",
// "sr", ...). A key selects one entry of a map-valued property;
// acceptUnknown turns a missing key into ("", nil) instead of an
// error.

func (h *Host) xeParamGet(class, uuid, name, key string, acceptUnknown bool) (string, error) {
	args := XeArgs{"uuid": uuid, "param-name": name}
	if key != "" {
		args["param-key"] = key
	}
	value, err := h.Xe(class+"-param-get", args)
	if err != nil {
		var cmdErr *CommandError
		if key != "" && acceptUnknown && errors.As(err, &cmdErr) &&
			cmdErr.Stdout == fmt.Sprintf("Error: Key %s not found in map", key) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (h *Host) xeParamSet(class, uuid, name, key, value string) error {
	param := name
	if key != "" {
		param = name + ":" + key
	}
	_, err := h.Xe(class+"-param-set", XeArgs{"uuid": uuid, param: value})
	return err
}

func (h *Host) xeParamAdd(class, uuid, name, key, value string) error {
	args := XeArgs{"uuid": uuid, "param-name": name}
	if key != "" {
		args[key] = value
	} else {
		args["param-value"] = value
	}
	_, err := h.Xe(class+"-param-add", args)
	return err
}

func (h *Host) xeParamRemove(class, uuid, name, key string, acceptUnknown bool) error {
	_, err := h.Xe(class+"-param-remove", XeArgs{"uuid": uuid, "param-name": name, "param-key": key})
	if err != nil {
		var cmdErr *CommandError
		if acceptUnknown && errors.As(err, &cmdErr) &&
			cmdErr.Stdout == fmt.Sprintf("Error: Key %s not found in map", key) {
			return nil
		}
	}
	return err
}

func (h *Host) xeParamClear(class, uuid, name string) error {
	_, err := h.Xe(class+"-param-clear", XeArgs{"uuid": uuid, "param-name": name})
	return err
}

// safeSplit splits a --minimal CSV, returning nil for empty output.
func safeSplit(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
