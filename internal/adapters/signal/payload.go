package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

type joinRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

type createTransportPayload struct {
	RoomID    string `json:"roomId" validate:"required,max=128"`
	Direction string `json:"direction" validate:"required"`
}

type connectTransportPayload struct {
	TransportID    string               `json:"transportId" validate:"required"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *media.IceParameters `json:"iceParameters,omitempty"`
}

type producePayload struct {
	TransportID   string              `json:"transportId" validate:"required"`
	Kind          string              `json:"kind" validate:"required"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
	SerialID      domain.SerialID     `json:"serialId"`
}

type consumePayload struct {
	SerialID        domain.SerialID       `json:"serialId"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
	TransportID     string                `json:"transportId" validate:"required"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode unmarshals data into dst and validates it. Every failure is a
// validation error naming the offending field.
func (ctl *SignalWSController) decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		if errors.Is(err, domain.ErrBadSerialID) {
			return domain.Validation(domain.ComponentSocket, domain.ErrBadSerialID.Error())
		}
		return domain.Validation(domain.ComponentSocket, "bad_payload")
	}
	if err := ctl.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return domain.Validation(domain.ComponentSocket, fe.Field()+" is required")
			}
			return domain.Validation(domain.ComponentSocket, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
		return domain.Validation(domain.ComponentSocket, err.Error())
	}
	return nil
}
