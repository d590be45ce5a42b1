package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig identifies the project and its service account. When
// ClientEmail and PrivateKey are empty, application default credentials are
// used.
type FirestoreConfig struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// Firestore is a Store backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
}

// OpenFirestore creates a Firestore client.
func OpenFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("docstore: missing firestore project id")
	}

	var opts []option.ClientOption
	if cfg.ClientEmail != "" || cfg.PrivateKey != "" {
		creds, err := credentialsJSON(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("docstore: firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// credentialsJSON builds a service account key file from discrete settings.
// Private keys pasted into env files often carry literal "\n" sequences.
func credentialsJSON(cfg FirestoreConfig) ([]byte, error) {
	if cfg.ClientEmail == "" || cfg.PrivateKey == "" {
		return nil, errors.New("docstore: firestore credentials need both client email and private key")
	}
	return json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   cfg.ProjectID,
		"client_email": cfg.ClientEmail,
		"private_key":  strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n"),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
}

func (f *Firestore) Name() string { return "firestore" }

func (f *Firestore) Close() error { return f.client.Close() }

// Ping reads a document that normally does not exist; NotFound proves the
// backend answered.
func (f *Firestore) Ping(ctx context.Context) error {
	_, err := f.client.Collection("_health").Doc("ping").Get(ctx)
	if err == nil || status.Code(err) == codes.NotFound {
		return nil
	}
	return fmt.Errorf("docstore: firestore ping: %w", err)
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return Document{ID: snap.Ref.ID, Data: snap.Data()}, nil
}

func (f *Firestore) Where(ctx context.Context, collection, field string, value any) ([]Document, error) {
	iter := f.client.Collection(collection).Where(field, "==", value).Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docstore: where %s.%s: %w", collection, field, err)
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs, nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	ref := f.client.Collection(collection).Doc(id)
	var err error
	if merge {
		_, err = ref.Set(ctx, toFirestore(data), firestore.Merge(mergePaths(data, nil)...))
	} else {
		_, err = ref.Set(ctx, toFirestore(data))
	}
	if err != nil {
		return fmt.Errorf("docstore: set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	_, err := f.client.Collection(collection).Doc(id).Create(ctx, toFirestore(data))
	if status.Code(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("docstore: create %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := f.client.Collection(collection).Add(ctx, toFirestore(data))
	if err != nil {
		return "", fmt.Errorf("docstore: add %s: %w", collection, err)
	}
	return ref.ID, nil
}

// mergePaths lists the leaf field paths of data. Nested maps are descended
// into so that a merge keeps their other keys; values wrapped in Replace and
// empty maps are leaves, written as a whole.
func mergePaths(data map[string]any, prefix []string) []firestore.FieldPath {
	var paths []firestore.FieldPath
	for k, v := range data {
		path := append(append([]string(nil), prefix...), k)
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			paths = append(paths, mergePaths(m, path)...)
			continue
		}
		paths = append(paths, firestore.FieldPath(path))
	}
	return paths
}

// toFirestore swaps ServerTimestamp for the client library's sentinel and
// drops Replace markers.
func toFirestore(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = toFirestoreValue(v)
	}
	return out
}

func toFirestoreValue(v any) any {
	switch t := v.(type) {
	case serverTimestamp:
		return firestore.ServerTimestamp
	case replaced:
		return toFirestoreValue(t.v)
	case map[string]any:
		return toFirestore(t)
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = toFirestore(t[i])
		}
		return out
	default:
		return v
	}
}
