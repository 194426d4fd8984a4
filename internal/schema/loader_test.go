package schema_test

import (
	"testing"

	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadApplicationSchema(t *testing.T) {
	registry, err := schema.LoadFile("../../configs/schema.yaml")
	require.NoError(t, err)

	user, err := registry.Entity("User")
	require.NoError(t, err)
	assert.Equal(t, "users", user.TableName())
	assert.Equal(t, [][]string{{"id"}, {"email"}}, user.UniqueSets())

	id, _ := user.Field("id")
	require.NotNil(t, id.Default)
	assert.Equal(t, schema.DefaultAutoincrement, id.Default.Kind)

	role, _ := user.Field("role")
	require.NotNil(t, role.Default)
	assert.Equal(t, schema.DefaultStatic, role.Default.Kind)
	assert.Equal(t, "user", role.Default.Value)

	auth, err := registry.Entity("Authenticator")
	require.NoError(t, err)
	counter, _ := auth.Field("counter")
	assert.Equal(t, int64(0), counter.Default.Value)

	deps := registry.Dependents("User")
	require.Len(t, deps, 4)
	for _, dep := range deps {
		assert.Equal(t, schema.Cascade, dep.Relation.OnDelete, dep.Entity.Name)
	}
}

func TestLoadRejectsMalformedSchema(t *testing.T) {
	_, err := schema.Load([]byte("entities: [this is not: valid"))
	require.Error(t, err)

	_, err = schema.Load([]byte(`
entities:
  - name: A
    primary_key: [id]
    fields:
      - {name: id, kind: uuid}
`))
	require.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	registry, err := schema.LoadFile("../../configs/schema.yaml")
	require.NoError(t, err)

	data, err := schema.Marshal(registry)
	require.NoError(t, err)
	assert.Contains(t, string(data), "autoincrement()")

	reloaded, err := schema.Load(data)
	require.NoError(t, err)
	require.Len(t, reloaded.Entities(), len(registry.Entities()))

	for _, def := range registry.Entities() {
		other, err := reloaded.Entity(def.Name)
		require.NoError(t, err)
		assert.Equal(t, def, other)
	}
}
