package policy

// devicesRego collects every device node of input.device, root and children.
const devicesRego = `
devices contains node if {
	walk(input.device, [_, node])
	is_object(node)
	is_string(node.name)
	is_number(node.vid)
}
`

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		deviceNamingPolicy(),
		sharedDevhostBTIsPolicy(),
	}
}

// deviceNamingPolicy flags device names outside the conventional charset.
func deviceNamingPolicy() Policy {
	return Policy{
		Name:        "device-naming",
		Description: "Device names should be lowercase alphanumeric with '-', '_' or '.'",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pbus.policies.naming

import rego.v1
` + devicesRego + `
deny contains violation if {
	some node in devices
	not regex.match("^[a-z0-9][a-z0-9._-]*$", node.name)
	violation := {
		"message": sprintf("device name '%s' should be lowercase alphanumeric with '-', '_' or '.'", [node.name]),
		"device": node.name,
	}
}
`,
	}
}

// sharedDevhostBTIsPolicy keeps DMA-capable devices out of the shared
// platform-bus devhost unless the board opts in.
func sharedDevhostBTIsPolicy() Policy {
	return Policy{
		Name:        "shared-devhost-btis",
		Description: "Devices placed in the platform-bus devhost may not carry BTIs unless the board allows it",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package pbus.policies.devhost

import rego.v1
` + devicesRego + `
deny contains violation if {
	input.flags.pbus_devhost
	not input.board.allow_shared_btis
	some node in devices
	btis := object.get(node, "btis", [])
	count(btis) > 0
	violation := {
		"message": sprintf("device '%s' requests the platform-bus devhost but carries %d BTI(s)", [node.name, count(btis)]),
		"device": node.name,
	}
}
`,
	}
}
