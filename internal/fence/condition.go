package fence

import (
	"errors"
	"fmt"
	"math"
)

// Kind tags the payload carried by one Condition node.
type Kind int

const (
	// KindMeta combines child conditions with and/or/not.
	KindMeta Kind = iota
	// KindLocation matches entering, exiting, or staying in a circular region.
	KindLocation
	// KindActivity matches detected user activity transitions.
	KindActivity
	// KindTime matches absolute, daily, weekday, interval, or instant windows.
	KindTime
	// KindHeadphone matches headphone plug state or plug transitions.
	KindHeadphone
)

// String returns lower-case kind name for logs and API errors.
// Params: none.
// Returns: kind label or "kind(<n>)" for unknown values.
func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindLocation:
		return "location"
	case KindActivity:
		return "activity"
	case KindTime:
		return "time"
	case KindHeadphone:
		return "headphone"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrInvalidCondition marks structurally invalid condition trees.
var ErrInvalidCondition = errors.New("invalid condition")

// Condition is one node of a fence expression tree.
// Params: Kind selects exactly one non-nil payload pointer.
// Returns: tagged union evaluated by the remote backend.
type Condition struct {
	Kind      Kind
	Meta      *Meta
	Location  *Location
	Activity  *Activity
	Time      *Time
	Headphone *Headphone
}

// Meta holds boolean composition of child conditions; exactly one branch is set.
type Meta struct {
	And []Condition
	Or  []Condition
	Not *Condition
}

// LocationTransition selects the location trigger mode.
type LocationTransition int

const (
	LocationEnter LocationTransition = 0
	LocationExit  LocationTransition = 1
	LocationStay  LocationTransition = 2
)

// Location describes a circular region trigger.
// DwellMS is meaningful only for LocationStay.
type Location struct {
	Transition LocationTransition
	Latitude   float64
	Longitude  float64
	Radius     float64
	DwellMS    int64
}

// ActivityTransition selects the activity trigger mode.
type ActivityTransition int

const (
	ActivityStart  ActivityTransition = 0
	ActivityStop   ActivityTransition = 1
	ActivityDuring ActivityTransition = 2
)

// Detected activity codes understood by the backend.
const (
	ActivityInVehicle = 0
	ActivityOnBicycle = 1
	ActivityOnFoot    = 2
	ActivityStill     = 3
	ActivityUnknown   = 4
	ActivityTilting   = 5
	ActivityWalking   = 7
	ActivityRunning   = 8
)

// Activity describes an activity trigger over one or more activity codes.
type Activity struct {
	Activities []int
	Transition ActivityTransition
}

// TimingType selects how a Time condition interprets its fields.
type TimingType int

const (
	TimingAbsolute     TimingType = 0
	TimingDaily        TimingType = 1
	TimingDayOfWeek    TimingType = 10
	TimingTimeInterval TimingType = 11
	TimingTimeInstant  TimingType = 12
)

// legacyWeekdayTimings maps per-weekday timing codes onto DayOfWeek values.
var legacyWeekdayTimings = map[int]int{
	2: Monday,
	3: Tuesday,
	4: Wednesday,
	5: Thursday,
	7: Friday,
	8: Saturday,
	9: Sunday,
}

// Day of week codes used by TimingDayOfWeek.
const (
	Sunday    = 1
	Monday    = 2
	Tuesday   = 3
	Wednesday = 4
	Thursday  = 5
	Friday    = 6
	Saturday  = 7
)

// Semantic time interval codes used by TimingTimeInterval.
const (
	IntervalWeekday   = 1
	IntervalWeekend   = 2
	IntervalHoliday   = 3
	IntervalMorning   = 4
	IntervalAfternoon = 5
	IntervalEvening   = 6
	IntervalNight     = 7
)

// Time instant codes used by TimingTimeInstant.
const (
	InstantSunrise = 1
	InstantSunset  = 2
)

// Zone is the time zone a daily or weekday window is evaluated in.
type Zone struct {
	ID       string
	OffsetMS int64
}

// Time describes a time window trigger.
// StartMS/StopMS are epoch millis for TimingAbsolute and millis since local midnight otherwise.
type Time struct {
	Timing        TimingType
	DayOfWeek     int
	Interval      int
	Instant       int
	Zone          *Zone
	StartMS       int64
	StopMS        int64
	StartOffsetMS int64
	StopOffsetMS  int64
}

// HeadphoneTrigger selects the headphone trigger mode.
type HeadphoneTrigger int

const (
	HeadphoneStateTrigger HeadphoneTrigger = 0
	HeadphonePluggingIn   HeadphoneTrigger = 1
	HeadphoneUnplugging   HeadphoneTrigger = 2
)

// Headphone plug states used with HeadphoneStateTrigger.
const (
	HeadphonePluggedIn = 1
	HeadphoneUnplugged = 2
)

// Headphone describes a headphone trigger. State is used only with HeadphoneStateTrigger.
type Headphone struct {
	Trigger HeadphoneTrigger
	State   int
}

// And builds meta condition satisfied when all children are satisfied.
// Params: child conditions.
// Returns: meta condition node.
func And(children ...Condition) Condition {
	return Condition{Kind: KindMeta, Meta: &Meta{And: append([]Condition(nil), children...)}}
}

// Or builds meta condition satisfied when any child is satisfied.
// Params: child conditions.
// Returns: meta condition node.
func Or(children ...Condition) Condition {
	return Condition{Kind: KindMeta, Meta: &Meta{Or: append([]Condition(nil), children...)}}
}

// Not builds meta condition negating one child.
// Params: condition to negate.
// Returns: meta condition node.
func Not(child Condition) Condition {
	return Condition{Kind: KindMeta, Meta: &Meta{Not: &child}}
}

func LocationEntering(latitude, longitude, radius float64) Condition {
	return location(LocationEnter, latitude, longitude, radius, 0)
}

func LocationExiting(latitude, longitude, radius float64) Condition {
	return location(LocationExit, latitude, longitude, radius, 0)
}

// LocationIn matches after the device stayed inside the region for dwellMS.
func LocationIn(latitude, longitude, radius float64, dwellMS int64) Condition {
	return location(LocationStay, latitude, longitude, radius, dwellMS)
}

func location(transition LocationTransition, latitude, longitude, radius float64, dwellMS int64) Condition {
	return Condition{Kind: KindLocation, Location: &Location{
		Transition: transition,
		Latitude:   latitude,
		Longitude:  longitude,
		Radius:     radius,
		DwellMS:    dwellMS,
	}}
}

func ActivityStarting(activities ...int) Condition {
	return activity(ActivityStart, activities)
}

func ActivityStopping(activities ...int) Condition {
	return activity(ActivityStop, activities)
}

func ActivityWhile(activities ...int) Condition {
	return activity(ActivityDuring, activities)
}

func activity(transition ActivityTransition, activities []int) Condition {
	return Condition{Kind: KindActivity, Activity: &Activity{
		Activities: append([]int(nil), activities...),
		Transition: transition,
	}}
}

// TimeInInterval matches between two absolute epoch-millisecond instants.
func TimeInInterval(startMS, stopMS int64) Condition {
	return Condition{Kind: KindTime, Time: &Time{Timing: TimingAbsolute, StartMS: startMS, StopMS: stopMS}}
}

// TimeInDailyInterval matches every day between two offsets from local midnight.
// Params: optional zone (nil means device zone) and millis since midnight.
// Returns: time condition node.
func TimeInDailyInterval(zone *Zone, startOfDayMS, stopOfDayMS int64) Condition {
	return Condition{Kind: KindTime, Time: &Time{
		Timing:  TimingDaily,
		Zone:    cloneZone(zone),
		StartMS: startOfDayMS,
		StopMS:  stopOfDayMS,
	}}
}

// TimeInIntervalOfDay matches one weekday between two offsets from local midnight.
// Params: day code (Sunday..Saturday), optional zone, and millis since midnight.
// Returns: time condition node.
func TimeInIntervalOfDay(dayOfWeek int, zone *Zone, startOfDayMS, stopOfDayMS int64) Condition {
	return Condition{Kind: KindTime, Time: &Time{
		Timing:    TimingDayOfWeek,
		DayOfWeek: dayOfWeek,
		Zone:      cloneZone(zone),
		StartMS:   startOfDayMS,
		StopMS:    stopOfDayMS,
	}}
}

func TimeInTimeInterval(interval int) Condition {
	return Condition{Kind: KindTime, Time: &Time{Timing: TimingTimeInterval, Interval: interval}}
}

// TimeAroundInstant matches around sunrise or sunset with signed millisecond offsets.
func TimeAroundInstant(instant int, startOffsetMS, stopOffsetMS int64) Condition {
	return Condition{Kind: KindTime, Time: &Time{
		Timing:        TimingTimeInstant,
		Instant:       instant,
		StartOffsetMS: startOffsetMS,
		StopOffsetMS:  stopOffsetMS,
	}}
}

func HeadphoneDuring(state int) Condition {
	return Condition{Kind: KindHeadphone, Headphone: &Headphone{Trigger: HeadphoneStateTrigger, State: state}}
}

func HeadphonePlugging() Condition {
	return Condition{Kind: KindHeadphone, Headphone: &Headphone{Trigger: HeadphonePluggingIn}}
}

func HeadphoneUnplug() Condition {
	return Condition{Kind: KindHeadphone, Headphone: &Headphone{Trigger: HeadphoneUnplugging}}
}

func cloneZone(zone *Zone) *Zone {
	if zone == nil {
		return nil
	}
	copied := *zone
	return &copied
}

// Validate checks tag/payload pairing and value ranges for the whole tree.
// Params: none.
// Returns: error wrapping ErrInvalidCondition with node path.
func (c Condition) Validate() error {
	return c.validate("condition")
}

func (c Condition) validate(path string) error {
	payloads := 0
	for _, set := range []bool{c.Meta != nil, c.Location != nil, c.Activity != nil, c.Time != nil, c.Headphone != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: %s must carry exactly one payload, got %d", ErrInvalidCondition, path, payloads)
	}

	switch c.Kind {
	case KindMeta:
		if c.Meta == nil {
			return mismatch(path, c.Kind)
		}
		return c.Meta.validate(path)
	case KindLocation:
		if c.Location == nil {
			return mismatch(path, c.Kind)
		}
		return c.Location.validate(path)
	case KindActivity:
		if c.Activity == nil {
			return mismatch(path, c.Kind)
		}
		return c.Activity.validate(path)
	case KindTime:
		if c.Time == nil {
			return mismatch(path, c.Kind)
		}
		return c.Time.validate(path)
	case KindHeadphone:
		if c.Headphone == nil {
			return mismatch(path, c.Kind)
		}
		return c.Headphone.validate(path)
	default:
		return fmt.Errorf("%w: %s has unsupported kind %d", ErrInvalidCondition, path, int(c.Kind))
	}
}

func mismatch(path string, kind Kind) error {
	return fmt.Errorf("%w: %s is %s but carries another payload", ErrInvalidCondition, path, kind)
}

func (m *Meta) validate(path string) error {
	branches := 0
	if len(m.And) > 0 {
		branches++
	}
	if len(m.Or) > 0 {
		branches++
	}
	if m.Not != nil {
		branches++
	}
	if branches != 1 {
		return fmt.Errorf("%w: %s.meta must set exactly one of and/or/not", ErrInvalidCondition, path)
	}
	for i, child := range m.And {
		if err := child.validate(fmt.Sprintf("%s.and[%d]", path, i)); err != nil {
			return err
		}
	}
	for i, child := range m.Or {
		if err := child.validate(fmt.Sprintf("%s.or[%d]", path, i)); err != nil {
			return err
		}
	}
	if m.Not != nil {
		return m.Not.validate(path + ".not")
	}
	return nil
}

func (l *Location) validate(path string) error {
	switch l.Transition {
	case LocationEnter, LocationExit, LocationStay:
	default:
		return fmt.Errorf("%w: %s.transition has unsupported value %d", ErrInvalidCondition, path, l.Transition)
	}
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: %s.latitude must be within [-90,90]", ErrInvalidCondition, path)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: %s.longitude must be within [-180,180]", ErrInvalidCondition, path)
	}
	if math.IsNaN(l.Radius) || l.Radius <= 0 {
		return fmt.Errorf("%w: %s.radius must be >0", ErrInvalidCondition, path)
	}
	if l.DwellMS < 0 {
		return fmt.Errorf("%w: %s.dwell must be >=0", ErrInvalidCondition, path)
	}
	return nil
}

func (a *Activity) validate(path string) error {
	switch a.Transition {
	case ActivityStart, ActivityStop, ActivityDuring:
	default:
		return fmt.Errorf("%w: %s.transition has unsupported value %d", ErrInvalidCondition, path, a.Transition)
	}
	if len(a.Activities) == 0 {
		return fmt.Errorf("%w: %s.activities must not be empty", ErrInvalidCondition, path)
	}
	for i, code := range a.Activities {
		if code < ActivityInVehicle || code > ActivityRunning || code == 6 {
			return fmt.Errorf("%w: %s.activities[%d] has unsupported value %d", ErrInvalidCondition, path, i, code)
		}
	}
	return nil
}

func (t *Time) validate(path string) error {
	switch t.Timing {
	case TimingAbsolute:
		if t.StopMS < t.StartMS {
			return fmt.Errorf("%w: %s.stop must be >= start", ErrInvalidCondition, path)
		}
	case TimingDaily:
		return validateDayWindow(path, t)
	case TimingDayOfWeek:
		if t.DayOfWeek < Sunday || t.DayOfWeek > Saturday {
			return fmt.Errorf("%w: %s.day_of_week has unsupported value %d", ErrInvalidCondition, path, t.DayOfWeek)
		}
		return validateDayWindow(path, t)
	case TimingTimeInterval:
		if t.Interval < IntervalWeekday || t.Interval > IntervalNight {
			return fmt.Errorf("%w: %s.time_interval has unsupported value %d", ErrInvalidCondition, path, t.Interval)
		}
	case TimingTimeInstant:
		if t.Instant != InstantSunrise && t.Instant != InstantSunset {
			return fmt.Errorf("%w: %s.time_instant has unsupported value %d", ErrInvalidCondition, path, t.Instant)
		}
	default:
		return fmt.Errorf("%w: %s.timing_type has unsupported value %d", ErrInvalidCondition, path, t.Timing)
	}
	return nil
}

const dayMS = 24 * 60 * 60 * 1000

func validateDayWindow(path string, t *Time) error {
	if t.StartMS < 0 || t.StartMS > dayMS || t.StopMS < 0 || t.StopMS > dayMS {
		return fmt.Errorf("%w: %s start/stop must be within one day", ErrInvalidCondition, path)
	}
	return nil
}

func (h *Headphone) validate(path string) error {
	switch h.Trigger {
	case HeadphoneStateTrigger:
		if h.State != HeadphonePluggedIn && h.State != HeadphoneUnplugged {
			return fmt.Errorf("%w: %s.headphone_state has unsupported value %d", ErrInvalidCondition, path, h.State)
		}
	case HeadphonePluggingIn, HeadphoneUnplugging:
	default:
		return fmt.Errorf("%w: %s.trigger_type has unsupported value %d", ErrInvalidCondition, path, h.Trigger)
	}
	return nil
}
