package sparkplug

// Control metrics understood by Sparkplug edge nodes.
const (
	NodeRebirth   = "Node Control/Rebirth"
	DeviceRebirth = "Device Control/Rebirth"
)

// RebirthMetric names the control metric that makes addr republish its
// birth certificate.
func RebirthMetric(addr Address) string {
	if addr.IsDevice() {
		return DeviceRebirth
	}
	return NodeRebirth
}

// RebirthCommand builds the command payload and topic that request a
// rebirth from addr.
func RebirthCommand(addr Address, ts uint64) (Topic, Command, error) {
	t, err := addr.Topic(VerbCmd)
	if err != nil {
		return Topic{}, Command{}, err
	}
	cmd := Command{
		Timestamp: ts,
		Metrics: []Metric{{
			Name:      RebirthMetric(addr),
			Timestamp: ts,
			Type:      TypeBoolean,
			Value:     true,
		}},
	}
	return t, cmd, nil
}
