package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

type Slot struct {
	SlotTime    string
	IsAvailable bool
}

type BookInput struct {
	ProviderID    string
	UserID        string
	Date          string
	StartTime     string
	DurationHours float64
}

type BookReply struct {
	Success        bool
	Message        string
	Outcome        string
	BookingGroupID string
	TotalPrice     string
	Currency       string
}

func (c *Client) GetAvailableSlots(ctx context.Context, providerID, date string, durationHours float64, opts ...grpc.CallOption) ([]Slot, error) {
	in, err := structpb.NewStruct(map[string]any{
		"provider_id":    providerID,
		"date":           date,
		"duration_hours": durationHours,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetAvailableSlots, in, out, opts...); err != nil {
		return nil, err
	}
	raw := out.GetFields()["slots"].GetListValue().GetValues()
	slots := make([]Slot, 0, len(raw))
	for _, v := range raw {
		f := v.GetStructValue().GetFields()
		slots = append(slots, Slot{
			SlotTime:    f["slot_time"].GetStringValue(),
			IsAvailable: f["is_available"].GetBoolValue(),
		})
	}
	return slots, nil
}

func (c *Client) BookAppointment(ctx context.Context, in BookInput, opts ...grpc.CallOption) (BookReply, error) {
	req, err := structpb.NewStruct(map[string]any{
		"provider_id":    in.ProviderID,
		"user_id":        in.UserID,
		"date":           in.Date,
		"start_time":     in.StartTime,
		"duration_hours": in.DurationHours,
	})
	if err != nil {
		return BookReply{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodBookAppointment, req, out, opts...); err != nil {
		return BookReply{}, err
	}
	f := out.GetFields()
	return BookReply{
		Success:        f["success"].GetBoolValue(),
		Message:        f["message"].GetStringValue(),
		Outcome:        f["outcome"].GetStringValue(),
		BookingGroupID: f["booking_group_id"].GetStringValue(),
		TotalPrice:     f["total_price"].GetStringValue(),
		Currency:       f["currency"].GetStringValue(),
	}, nil
}
