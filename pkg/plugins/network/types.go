package network

// InterfaceType is the kind of a network interface.
type InterfaceType string

const (
	TypeEthernet  InterfaceType = "ethernet"
	TypeOVSBridge InterfaceType = "ovs-bridge"
	TypeOVSPort   InterfaceType = "ovs-port"
	TypeBridge    InterfaceType = "bridge"
)

// NetworkConfig is both the desired section of the "net" plugin and the
// shape of its introspected state.
type NetworkConfig struct {
	Interfaces []InterfaceConfig `json:"interfaces" validate:"dive"`

	// Unavailable lists the tools that could not be queried. It is only
	// set on introspected state.
	Unavailable []string `json:"unavailable,omitempty"`
}

// InterfaceConfig describes one interface.
type InterfaceConfig struct {
	Name string        `json:"name" validate:"required,max=15"`
	Type InterfaceType `json:"type" validate:"required,oneof=ethernet ovs-bridge ovs-port bridge"`

	// Ports are attached to an ovs-bridge.
	Ports []string `json:"ports,omitempty" validate:"omitempty,dive,required,max=15"`

	IPv4 *IPv4Config `json:"ipv4,omitempty"`

	// Controller is the bridge an ovs-port (or an enslaved ethernet link)
	// belongs to.
	Controller string `json:"controller,omitempty" validate:"required_if=Type ovs-port"`

	// Managed is set on introspected state when netstate owns the
	// interface's networkd files. Only managed interfaces are ever deleted.
	Managed bool `json:"managed,omitempty"`
}

// IPv4Config is the IPv4 configuration of an interface.
type IPv4Config struct {
	Enabled bool            `json:"enabled"`
	DHCP    bool            `json:"dhcp,omitempty"`
	Address []AddressConfig `json:"address,omitempty" validate:"omitempty,dive"`
	Gateway string          `json:"gateway,omitempty" validate:"omitempty,ipv4"`
	DNS     []string        `json:"dns,omitempty" validate:"omitempty,dive,ip"`
}

// AddressConfig is a static address.
type AddressConfig struct {
	IP     string `json:"ip" validate:"required,ipv4"`
	Prefix uint8  `json:"prefix" validate:"lte=32"`
}

// snapshot is the checkpoint payload of the "net" plugin.
type snapshot struct {
	State NetworkConfig     `json:"state"`
	Files map[string]string `json:"files"`
}

func (c *NetworkConfig) find(name string) (*InterfaceConfig, bool) {
	for i := range c.Interfaces {
		if c.Interfaces[i].Name == name {
			return &c.Interfaces[i], true
		}
	}
	return nil, false
}
