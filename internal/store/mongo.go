package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// maxList bounds find-many queries.
const maxList = 1000

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// NewMongo connects to uri and verifies the connection with a ping.
func NewMongo(ctx context.Context, uri, database string, timeout time.Duration) (*Mongo, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	m := &Mongo{client: client, db: client.Database(database), timeout: timeout}
	return m, m.Ping(ctx)
}

// Ping checks that the primary is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and lookup indexes the service relies on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[string][]mongo.IndexModel{
		CollClubs: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: unique},
		},
		CollEvents: {
			{Keys: bson.D{{Key: "slug", Value: 1}, {Key: "sort_year", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "date", Value: 1}}},
		},
		CollStudents: {
			{Keys: bson.D{{Key: "application_number", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "registration_number", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "email", Value: 1}}},
			{Keys: bson.D{{Key: "events.event_id", Value: 1}}},
		},
		CollTeams: {
			{Keys: bson.D{
				{Key: "student_id", Value: 1},
				{Key: "position.type", Value: 1},
				{Key: "position.name", Value: 1},
				{Key: "club", Value: 1},
			}, Options: unique},
		},
		CollAuthentication: {
			{Keys: bson.D{{Key: "auth_type", Value: 1}, {Key: "username", Value: 1}}},
			{Keys: bson.D{{Key: "auth_type", Value: 1}, {Key: "app_id", Value: 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (m *Mongo) findOne(ctx context.Context, coll string, filter any, out any) error {
	err := m.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func findMany[T any](ctx context.Context, c *mongo.Collection, filter any) ([]T, error) {
	cur, err := c.Find(ctx, filter, options.Find().SetLimit(maxList))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []T
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) insert(ctx context.Context, coll string, doc any) (primitive.ObjectID, error) {
	res, err := m.db.Collection(coll).InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, ErrConflict
		}
		return primitive.NilObjectID, err
	}
	id, _ := res.InsertedID.(primitive.ObjectID)
	return id, nil
}

// FindClub returns the club with the given slug.
func (m *Mongo) FindClub(ctx context.Context, slug string) (Club, error) {
	var c Club
	err := m.findOne(ctx, CollClubs, bson.M{"slug": slug}, &c)
	return c, err
}

// ListClubs returns every club.
func (m *Mongo) ListClubs(ctx context.Context) ([]Club, error) {
	return findMany[Club](ctx, m.db.Collection(CollClubs), bson.M{})
}

// InsertClub stores a new club and sets its ID.
func (m *Mongo) InsertClub(ctx context.Context, club *Club) error {
	if club.CoreCommittee == nil {
		club.CoreCommittee = map[CommitteeRole]primitive.ObjectID{}
	}
	if club.Events == nil {
		club.Events = map[string][]primitive.ObjectID{}
	}
	if club.Operations == nil {
		club.Operations = []primitive.ObjectID{}
	}
	id, err := m.insert(ctx, CollClubs, club)
	if err != nil {
		return err
	}
	club.ID = id
	return nil
}

// SetCoreCommittee points a committee role of the club at a team membership.
func (m *Mongo) SetCoreCommittee(ctx context.Context, clubSlug string, role CommitteeRole, teamID primitive.ObjectID) error {
	res, err := m.db.Collection(CollClubs).UpdateOne(ctx,
		bson.M{"slug": clubSlug},
		bson.M{"$set": bson.M{"core_committee." + string(role): teamID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AddClubEvent records an event under the club's sort year bucket.
func (m *Mongo) AddClubEvent(ctx context.Context, clubSlug string, sortYear int, eventID primitive.ObjectID) error {
	res, err := m.db.Collection(CollClubs).UpdateOne(ctx,
		bson.M{"slug": clubSlug},
		bson.M{"$addToSet": bson.M{"events." + strconv.Itoa(sortYear): eventID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// FindEvent returns the event with slug in sortYear.
func (m *Mongo) FindEvent(ctx context.Context, slug string, sortYear int) (Event, error) {
	var e Event
	err := m.findOne(ctx, CollEvents, bson.M{"slug": slug, "sort_year": sortYear}, &e)
	return e, err
}

// FindEventByID returns the event with the given id.
func (m *Mongo) FindEventByID(ctx context.Context, id primitive.ObjectID) (Event, error) {
	var e Event
	err := m.findOne(ctx, CollEvents, bson.M{"_id": id}, &e)
	return e, err
}

// ListEvents returns every event of a sort year.
func (m *Mongo) ListEvents(ctx context.Context, sortYear int) ([]Event, error) {
	return findMany[Event](ctx, m.db.Collection(CollEvents), bson.M{"sort_year": sortYear})
}

// InsertEvent stores a new event and sets its ID.
func (m *Mongo) InsertEvent(ctx context.Context, event *Event) error {
	if event.Participants.Registered == nil {
		event.Participants.Registered = []primitive.ObjectID{}
	}
	if event.Participants.Attended == nil {
		event.Participants.Attended = []primitive.ObjectID{}
	}
	id, err := m.insert(ctx, CollEvents, event)
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// FindStudent resolves a student key. Untyped numbers try the application
// number first, then the registration number.
func (m *Mongo) FindStudent(ctx context.Context, key StudentKey) (Student, error) {
	var s Student
	switch key.Kind {
	case ByApplication:
		return s, m.findOne(ctx, CollStudents, bson.M{"application_number": key.Number}, &s)
	case ByRegistration:
		return s, m.findOne(ctx, CollStudents, bson.M{"registration_number": key.Number}, &s)
	case ByEmail:
		return s, m.findOne(ctx, CollStudents, bson.M{"email": key.Email}, &s)
	}
	err := m.findOne(ctx, CollStudents, bson.M{"application_number": key.Number}, &s)
	if errors.Is(err, ErrNotFound) {
		err = m.findOne(ctx, CollStudents, bson.M{"registration_number": key.Number}, &s)
	}
	return s, err
}

// FindStudentByID returns the student with the given id.
func (m *Mongo) FindStudentByID(ctx context.Context, id primitive.ObjectID) (Student, error) {
	var s Student
	err := m.findOne(ctx, CollStudents, bson.M{"_id": id}, &s)
	return s, err
}

// ListStudentsByEvent returns students holding a participation record for the event.
func (m *Mongo) ListStudentsByEvent(ctx context.Context, eventID primitive.ObjectID) ([]Student, error) {
	return findMany[Student](ctx, m.db.Collection(CollStudents), bson.M{"events.event_id": eventID})
}

// InsertStudent stores a new student and sets its ID.
func (m *Mongo) InsertStudent(ctx context.Context, student *Student) error {
	if student.Events == nil {
		student.Events = []Participation{}
	}
	if student.Clubs == nil {
		student.Clubs = []primitive.ObjectID{}
	}
	id, err := m.insert(ctx, CollStudents, student)
	if err != nil {
		return err
	}
	student.ID = id
	return nil
}

// FindTeam returns the team membership with the given id.
func (m *Mongo) FindTeam(ctx context.Context, id primitive.ObjectID) (Team, error) {
	var t Team
	err := m.findOne(ctx, CollTeams, bson.M{"_id": id}, &t)
	return t, err
}

// FindTeamsByStudent returns every team membership of a student.
func (m *Mongo) FindTeamsByStudent(ctx context.Context, studentID primitive.ObjectID) ([]Team, error) {
	return findMany[Team](ctx, m.db.Collection(CollTeams), bson.M{"student_id": studentID})
}

// InsertTeam stores a new membership; a duplicate (student, position, club) is ErrConflict.
func (m *Mongo) InsertTeam(ctx context.Context, team *Team) error {
	id, err := m.insert(ctx, CollTeams, team)
	if err != nil {
		return err
	}
	team.ID = id
	return nil
}

// FindCredential looks up a USER credential by username or an AUTOMATION
// credential by app id.
func (m *Mongo) FindCredential(ctx context.Context, authType, identifier string) (Credential, error) {
	filter := bson.M{"auth_type": authType, "username": identifier}
	if authType == AuthAutomation {
		filter = bson.M{"auth_type": authType, "app_id": identifier}
	}
	var c Credential
	err := m.findOne(ctx, CollAuthentication, filter, &c)
	return c, err
}

// InsertCredential stores a new credential.
func (m *Mongo) InsertCredential(ctx context.Context, cred *Credential) error {
	id, err := m.insert(ctx, CollAuthentication, cred)
	if err != nil {
		return err
	}
	cred.ID = id
	return nil
}

// SetPasswordHash stores a password hash on a credential.
func (m *Mongo) SetPasswordHash(ctx context.Context, id primitive.ObjectID, hash []byte) error {
	res, err := m.db.Collection(CollAuthentication).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"password_hash": hash}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// PushParticipation appends a participation record. The filter only
// matches when no record for the event exists, which makes the push the
// enforcement point for one record per (student, event).
func (m *Mongo) PushParticipation(ctx context.Context, studentID primitive.ObjectID, p Participation) error {
	res, err := m.db.Collection(CollStudents).UpdateOne(ctx,
		bson.M{"_id": studentID, "events.event_id": bson.M{"$ne": p.EventID}},
		bson.M{"$push": bson.M{"events": p}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return m.missingOrConflict(ctx, studentID)
	}
	return nil
}

// MarkParticipationAttended sets attended on the student's unattended record for the event.
func (m *Mongo) MarkParticipationAttended(ctx context.Context, studentID, eventID primitive.ObjectID) error {
	res, err := m.db.Collection(CollStudents).UpdateOne(ctx,
		bson.M{
			"_id":    studentID,
			"events": bson.M{"$elemMatch": bson.M{"event_id": eventID, "attended": false}},
		},
		bson.M{"$set": bson.M{"events.$.attended": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return m.missingOrConflict(ctx, studentID)
	}
	return nil
}

// PullParticipation removes the student's record for the event.
func (m *Mongo) PullParticipation(ctx context.Context, studentID, eventID primitive.ObjectID) error {
	res, err := m.db.Collection(CollStudents).UpdateOne(ctx,
		bson.M{"_id": studentID, "events.event_id": eventID},
		bson.M{"$pull": bson.M{"events": bson.M{"event_id": eventID}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AddParticipant applies one $addToSet covering every selected set.
func (m *Mongo) AddParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error {
	fields := participantFields(sets, studentID)
	if len(fields) == 0 {
		return nil
	}
	res, err := m.db.Collection(CollEvents).UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$addToSet": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveParticipant applies one $pull covering every selected set.
func (m *Mongo) RemoveParticipant(ctx context.Context, eventID, studentID primitive.ObjectID, sets ParticipantSets) error {
	fields := participantFields(sets, studentID)
	if len(fields) == 0 {
		return nil
	}
	res, err := m.db.Collection(CollEvents).UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$pull": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func participantFields(sets ParticipantSets, studentID primitive.ObjectID) bson.M {
	fields := bson.M{}
	if sets.Registered {
		fields["participants.registered"] = studentID
	}
	if sets.Attended {
		fields["participants.attended"] = studentID
	}
	return fields
}

// missingOrConflict tells apart a missing student from a failed precondition.
func (m *Mongo) missingOrConflict(ctx context.Context, studentID primitive.ObjectID) error {
	n, err := m.db.Collection(CollStudents).CountDocuments(ctx, bson.M{"_id": studentID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
