package app

import (
	"encoding/json"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

// attitudeHandler writes attitude commands (radians) into the register as
// degrees. Undecodable payloads are logged and dropped; the register keeps
// the previous command.
func attitudeHandler(reg *setpoint.Register) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var c setpoint.AttitudeCommand
		if err := json.Unmarshal(msg.Payload(), &c); err != nil {
			log.Printf("bridge: attitude unmarshal error on %s: %v", msg.Topic(), err)
			return
		}
		reg.Set(setpoint.FromRadians(c))
	}
}

// twistHandler writes motion commands into the register.
func twistHandler(reg *setpoint.Register) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var t setpoint.Twist
		if err := json.Unmarshal(msg.Payload(), &t); err != nil {
			log.Printf("bridge: twist unmarshal error on %s: %v", msg.Topic(), err)
			return
		}
		reg.Set(setpoint.FromTwist(t))
	}
}
