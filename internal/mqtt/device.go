package mqtt

import "github.com/nugget/climate-node/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// by the discovery payloads. Both entities reference the same device
// block so HA groups them under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained on every broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	// ExpireAfter marks the entity unavailable when no reading arrives
	// for this many seconds.
	ExpireAfter int `json:"expire_after,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the HA device
// identifier so renames keep entity history.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "climate-node",
		Model:        "DHT11 climate sensor",
		SWVersion:    buildinfo.Version,
	}
}

type sensorDef struct {
	entity string
	config SensorConfig
}

// sensorDefinitions describes the two entities carried by the reading
// payload. Both read the same state topic and pick their field out of
// the JSON with a value template.
func (c *Client) sensorDefinitions() []sensorDef {
	avail := c.availabilityTopic()
	return []sensorDef{
		{
			entity: "temperature",
			config: SensorConfig{
				Name:              c.device.Name + " Temperature",
				UniqueID:          c.instanceID + "_temperature",
				StateTopic:        c.cfg.Topic,
				AvailabilityTopic: avail,
				Device:            c.device,
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.temperature }}",
				ExpireAfter:       120,
			},
		},
		{
			entity: "humidity",
			config: SensorConfig{
				Name:              c.device.Name + " Humidity",
				UniqueID:          c.instanceID + "_humidity",
				StateTopic:        c.cfg.Topic,
				AvailabilityTopic: avail,
				Device:            c.device,
				DeviceClass:       "humidity",
				UnitOfMeasurement: "%",
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json.humidity }}",
				ExpireAfter:       120,
			},
		},
	}
}

func (c *Client) baseTopic() string {
	return "climate-node/" + c.cfg.DeviceName
}

func (c *Client) availabilityTopic() string {
	return c.baseTopic() + "/availability"
}

func (c *Client) discoveryTopic(component, entity string) string {
	return c.cfg.DiscoveryPrefix + "/" + component + "/" + c.cfg.DeviceName + "/" + entity + "/config"
}

// haStatusTopic is where Home Assistant announces its own birth. A
// retained discovery config can be lost when HA restarts without a
// persistent broker, so discovery is re-sent when HA comes back.
func (c *Client) haStatusTopic() string {
	return c.cfg.DiscoveryPrefix + "/status"
}
