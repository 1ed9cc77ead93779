// Package policy provides Open Policy Agent (OPA) device admission for the
// platform bus.
//
// Every descriptor submitted to device_add is evaluated against the enabled
// Rego policies before it is realized. Each policy contributes the elements
// of its package's deny set; elements may be plain strings or objects with
// "message", "severity" and "device" keys. Violations of severity error or
// critical reject the device; lower severities are reported as warnings.
//
// The document seen as input is:
//
//	{
//	  "device":  { "name": ..., "vid": ..., "btis": [...], "children": [...] },
//	  "flags":   { "raw": 1, "pbus_devhost": true },
//	  "board":   { "name": "vim2", "revision": 2, "allow_shared_btis": false },
//	  "context": { "operation": "device_add", "existing": ["aml-gpio"] }
//	}
//
// Built-in policies:
//
//   - device-naming: device names should match ^[a-z0-9][a-z0-9._-]*$ (warning)
//   - shared-devhost-btis: devices in the platform-bus devhost may not carry
//     BTIs unless the board allows it (error)
//
// Additional .rego or .json policy files are loaded with Engine.LoadPolicies
// and can be hot-reloaded with Loader.Watch and Engine.ReplacePolicies. A
// "# severity: <level>" comment in a .rego file sets its default severity.
package policy
