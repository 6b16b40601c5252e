package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bikemap"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "bikemap"
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// StationMessage is one marker of a traffic snapshot.
type StationMessage struct {
	ShortName      string  `json:"shortName"`
	Name           string  `json:"name,omitempty"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	Arrivals       int     `json:"arrivals"`
	Departures     int     `json:"departures"`
	TotalTraffic   int     `json:"totalTraffic"`
	Radius         float64 `json:"radius"`
	DepartureRatio float64 `json:"departureRatio"`
	Flow           float64 `json:"flow"`
}

type BikeLaneMessage struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	LayerID string `json:"layerId"`
}

// SnapshotMessage is the full recomputed view for one anchor.
type SnapshotMessage struct {
	City          string            `json:"city"`
	Center        [2]float64        `json:"center"`
	AnchorMinute  int               `json:"anchorMinute"`
	AnchorLabel   string            `json:"anchorLabel"`
	Timestamp     time.Time         `json:"timestamp"`
	TripsTotal    int               `json:"tripsTotal"`
	TripsFiltered int               `json:"tripsFiltered"`
	MaxTraffic    int               `json:"maxTraffic"`
	RadiusDomain  int               `json:"radiusDomain"`
	RadiusRange   [2]float64        `json:"radiusRange"`
	BikeLanes     []BikeLaneMessage `json:"bikeLanes,omitempty"`
	Stations      []StationMessage  `json:"stations"`
}

// TrafficSubject is where snapshots for city are published.
func TrafficSubject(prefix, city string) string {
	return fmt.Sprintf("%s.%s.traffic", subjectToken(prefix), subjectToken(strings.ToLower(city)))
}

// AnchorSubject is where anchor changes for city are received.
func AnchorSubject(prefix, city string) string {
	return fmt.Sprintf("%s.%s.anchor", subjectToken(prefix), subjectToken(strings.ToLower(city)))
}

// CitySubject is where the served city is selected.
func CitySubject(prefix string) string {
	return subjectToken(prefix) + ".city"
}

func (p *NATSPublisher) PublishSnapshot(msg SnapshotMessage) error {
	subject := TrafficSubject(p.prefix, msg.City)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s stations=%d anchor=%d", subject, len(msg.Stations), msg.AnchorMinute)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

type anchorRequest struct {
	AnchorMinute *int `json:"anchorMinute"`
}

// ParseAnchor accepts {"anchorMinute": n} or a bare integer.
func ParseAnchor(data []byte) (int, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, errors.New("empty anchor message")
	}
	if strings.HasPrefix(s, "{") {
		var req anchorRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return 0, fmt.Errorf("decode anchor message: %w", err)
		}
		if req.AnchorMinute == nil {
			return 0, errors.New("anchor message has no anchorMinute")
		}
		return *req.AnchorMinute, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("decode anchor message %q: %w", s, err)
	}
	return n, nil
}

// SubscribeAnchors calls fn for every anchor change sent for city. Messages
// that cannot be decoded are logged and dropped.
func (p *NATSPublisher) SubscribeAnchors(city string, fn func(anchorMinute int)) (*nats.Subscription, error) {
	subject := AnchorSubject(p.prefix, city)
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		anchor, err := ParseAnchor(m.Data)
		if err != nil {
			log.Printf("nats anchor subject=%s: %v", subject, err)
			return
		}
		fn(anchor)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Printf("listening for anchors on %s", subject)
	return sub, nil
}

type cityRequest struct {
	City string `json:"city"`
}

// ParseCity accepts {"city": "Boston"} or a bare city name.
func ParseCity(data []byte) (string, error) {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "{") {
		var req cityRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return "", fmt.Errorf("decode city message: %w", err)
		}
		s = strings.TrimSpace(req.City)
	}
	if s == "" {
		return "", errors.New("city message has no city")
	}
	return s, nil
}

// SubscribeCity calls fn for every city selection. Messages that cannot be
// decoded are logged and dropped.
func (p *NATSPublisher) SubscribeCity(fn func(city string)) (*nats.Subscription, error) {
	subject := CitySubject(p.prefix)
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		city, err := ParseCity(m.Data)
		if err != nil {
			log.Printf("nats city subject=%s: %v", subject, err)
			return
		}
		fn(city)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Printf("listening for city selection on %s", subject)
	return sub, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
