package mqttclient

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const probeTimeout = 12 * time.Second

// DeviceModule is one entry of the get_version module inventory.
type DeviceModule struct {
	Name        string `json:"name"`
	ProductName string `json:"product_name,omitempty"`
	SwVer       string `json:"sw_ver,omitempty"`
}

// ProbeResult is the metadata resolved during printer onboarding.
type ProbeResult struct {
	ProductName string         `json:"product_name"`
	Firmware    string         `json:"firmware,omitempty"`
	Modules     []DeviceModule `json:"modules"`
}

// Probe connects to a printer over MQTTS, issues get_version, and waits for
// the response. Used to verify credentials before a printer definition is
// persisted.
func Probe(host, accessCode, serial string) (*ProbeResult, error) {
	result := make(chan *ProbeResult, 1)

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", host, DefaultPort)).
		SetClientID("fleetd-probe-"+serial).
		SetUsername(DefaultUsername).
		SetPassword(accessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("printer MQTT verification failed: %v", token.Error())
	}
	defer client.Disconnect(250)

	sub := client.Subscribe(ReportTopic(serial), qos, func(_ paho.Client, msg paho.Message) {
		var payload struct {
			Info struct {
				Command string         `json:"command"`
				Module  []DeviceModule `json:"module"`
			} `json:"info"`
		}
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			return
		}
		if payload.Info.Command != "get_version" {
			return
		}
		res := &ProbeResult{Modules: payload.Info.Module}
		res.ProductName, res.Firmware = resolveIdentity(payload.Info.Module)
		select {
		case result <- res:
		default:
		}
	})
	if !sub.WaitTimeout(connectTimeout) || sub.Error() != nil {
		return nil, fmt.Errorf("printer MQTT verification failed: %v", sub.Error())
	}

	request, _ := json.Marshal(map[string]any{
		"info": map[string]any{"command": "get_version", "sequence_id": "2023", "param": ""},
	})
	pub := client.Publish(RequestTopic(serial), qos, false, request)
	if !pub.WaitTimeout(publishTimeout) || pub.Error() != nil {
		return nil, fmt.Errorf("printer MQTT verification failed: %v", pub.Error())
	}

	select {
	case res := <-result:
		return res, nil
	case <-time.After(probeTimeout):
		return nil, fmt.Errorf("printer MQTT verification failed: get_version response not received")
	}
}

// resolveIdentity prefers the OTA module for both the product name and the
// firmware version, falling back to the first module that carries each.
func resolveIdentity(modules []DeviceModule) (product, firmware string) {
	for _, m := range modules {
		if m.Name == "ota" {
			if m.ProductName != "" {
				product = m.ProductName
			}
			if m.SwVer != "" {
				firmware = m.SwVer
			}
		}
	}
	for _, m := range modules {
		if product == "" && m.ProductName != "" {
			product = m.ProductName
		}
		if firmware == "" && m.SwVer != "" {
			firmware = m.SwVer
		}
	}
	if product == "" {
		product = "Unknown model"
	}
	return product, firmware
}
