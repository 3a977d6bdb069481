package logic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDB_SeedsOperator(t *testing.T) {
	db := testDB(t)

	require.NoError(t, CheckOperator(db, "admin", "password"))
	require.ErrorIs(t, CheckOperator(db, "admin", "wrong"), ErrUnauthorized)
	require.ErrorIs(t, CheckOperator(db, "nobody", "password"), ErrUnauthorized)
}

func TestBrokerAccessManagement_GeneratesAdmin(t *testing.T) {
	require := require.New(t)
	db := testDB(t)

	password, err := BrokerAccessManagement(db, nil)
	require.NoError(err)
	require.NotEmpty(password)

	auths, acls, err := LoadBrokerUsers(db)
	require.NoError(err)
	require.Equal([]Auth{{Username: "admin", Password: password, Allow: true}}, auths)
	require.Equal([]ACL{{Username: "admin", Filters: Filters{"#": 3}}}, acls)

	// A second call keeps the existing account.
	again, err := BrokerAccessManagement(db, nil)
	require.NoError(err)
	require.Empty(again)
}

func TestBrokerAccessManagement_ConfiguredUsers(t *testing.T) {
	require := require.New(t)
	db := testDB(t)

	users := []BrokerUser{
		{Username: "scada", Password: "s3cret"},
		{Username: "ops", Password: "pw", Filters: map[string]int{"snmp-modbus-gateway/bridge/#": 1}},
	}
	password, err := BrokerAccessManagement(db, users)
	require.NoError(err)
	require.Empty(password)

	// Changed passwords replace the stored account.
	users[0].Password = "rotated"
	_, err = BrokerAccessManagement(db, users)
	require.NoError(err)

	auths, acls, err := LoadBrokerUsers(db)
	require.NoError(err)
	require.Equal([]Auth{
		{Username: "ops", Password: "pw", Allow: true},
		{Username: "scada", Password: "rotated", Allow: true},
	}, auths)
	require.Equal([]ACL{
		{Username: "ops", Filters: Filters{"snmp-modbus-gateway/bridge/#": 1}},
		{Username: "scada", Filters: Filters{TopicPrefix + "/#": 1}},
	}, acls)
}
