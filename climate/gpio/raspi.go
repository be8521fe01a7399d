package gpio

import (
	"fmt"

	"gobot.io/x/gobot/v2/platforms/raspi"
)

// OpenRaspi connects a Raspberry Pi adaptor. The adaptor serves both the
// header pins and the I2C buses, so sensors and actuators share it.
func OpenRaspi() (*raspi.Adaptor, error) {
	a := raspi.NewAdaptor()
	if err := a.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect raspi adaptor: %w", err)
	}
	return a, nil
}
