package config

// boardSchema constrains board files written in CUE. YAML board files are
// checked by Validate only.
const boardSchema = `
#Metadata: {
	type:  uint32
	extra: uint32 | *0

	// Omit data to defer to the boot item of the same type and extra.
	data?: [...uint8]
}

#Device: {
	name: string & =~"^.{1,31}$"
	vid:  uint32
	pid:  uint32
	did:  uint32

	mmios?: [...{base: uint64, length: uint64 & >0}]
	irqs?: [...{irq: uint32, mode: uint32 | *0}]
	gpios?: [...{gpio: uint32}]
	i2c_channels?: [...{bus_id: uint32, address: uint16 & <=1023}]
	clks?: [...{clk: uint32}]
	btis?: [...{iommu_index: uint32, bti_id: uint32}]
	metadata?: [...#Metadata]
	children?: [...#Device]
}

#BootDevice: #Device & {
	pbus_devhost?: bool
	disabled?:     bool
}

#Config: {
	board: {
		name?:              string & =~"^.{0,31}$"
		vid?:               uint32
		pid?:               uint32
		revision?:          uint32
		allow_shared_btis?: bool
	}

	broker?: {
		protocol_policy?:    "replace" | "reject"
		max_metadata_bytes?: int & >=0
		max_devices?:        int & >=0
	}

	boot_items?: [...{
		type:  uint32
		extra: uint32 | *0
		data:  string
	}]

	devices?: [...#BootDevice]

	store?: path?: string

	server?: {
		network?: "unix" | "tcp"
		address?: string
	}

	policy?: {
		disabled?: bool
		paths?: [...string]
		watch?: bool
	}

	telemetry?: {...}
}
`
