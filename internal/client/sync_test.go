package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/phcsync/internal/client/mocks"
	"github.com/dkeye/phcsync/internal/domain"
	"github.com/dkeye/phcsync/internal/reconcile"
)

type SynchronizerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	api     *mocks.MockPatientAPI
	emitter *mocks.MockEmitter
	store   *reconcile.Store
	sync    *Synchronizer
}

func TestSynchronizerSuite(t *testing.T) {
	suite.Run(t, new(SynchronizerSuite))
}

func seedPatients() []domain.Patient {
	return []domain.Patient{
		{ID: "1", Name: "John Doe", RiskLevel: domain.RiskLow},
		{ID: "2", Name: "Jane Smith", RiskLevel: domain.RiskMedium},
		{ID: "3", Name: "Bob Johnson", RiskLevel: domain.RiskHigh},
	}
}

func (s *SynchronizerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.api = mocks.NewMockPatientAPI(s.ctrl)
	s.emitter = mocks.NewMockEmitter(s.ctrl)
	s.store = reconcile.NewStore(reconcile.NewState(seedPatients()))
	var err error
	s.sync, err = NewSynchronizer(s.api, s.emitter, s.store, RoleStaff)
	s.Require().NoError(err)
}

func (s *SynchronizerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SynchronizerSuite) TestNew() {
	s.Run("nil api returns error", func() {
		_, err := NewSynchronizer(nil, s.emitter, s.store, RoleStaff)
		s.Error(err)
	})
	s.Run("nil emitter returns error", func() {
		_, err := NewSynchronizer(s.api, nil, s.store, RoleStaff)
		s.Error(err)
	})
	s.Run("nil store returns error", func() {
		_, err := NewSynchronizer(s.api, s.emitter, nil, RoleStaff)
		s.Error(err)
	})
}

func (s *SynchronizerSuite) TestRefresh() {
	s.Run("success replaces patients", func() {
		s.api.EXPECT().FetchAll(gomock.Any()).Return([]domain.Patient{{ID: "9", RiskLevel: domain.RiskHigh}}, nil)

		s.Require().NoError(s.sync.Refresh(context.Background()))
		st := s.store.State()
		s.False(st.Loading)
		s.Equal(domain.Stats{TotalPatients: 1, HighRiskCount: 1, AdherenceRate: 0}, st.Stats)
	})

	s.Run("failure keeps patients and records error", func() {
		s.api.EXPECT().FetchAll(gomock.Any()).Return(nil, errors.New("connection refused"))

		err := s.sync.Refresh(context.Background())
		s.Error(err)
		st := s.store.State()
		s.False(st.Loading)
		s.Equal("connection refused", st.Err)
		s.Len(st.Patients, 1)
	})
}

func (s *SynchronizerSuite) TestSetRiskLevel() {
	s.Run("persists then broadcasts as staff-update", func() {
		level := domain.RiskHigh
		patch := domain.PatientPatch{RiskLevel: &level}
		gomock.InOrder(
			s.api.EXPECT().Update(gomock.Any(), domain.PatientID("1"), patch).Return(nil),
			s.emitter.EXPECT().Emit(domain.EventStaffUpdate, domain.MutationRecord{PatientID: "1", Patch: patch}).Return(nil),
		)

		s.Require().NoError(s.sync.SetRiskLevel(context.Background(), "1", domain.RiskHigh))
		s.Equal(domain.Stats{TotalPatients: 3, HighRiskCount: 2, AdherenceRate: 33}, s.store.State().Stats)
	})

	s.Run("failed persist is not broadcast", func() {
		s.api.EXPECT().Update(gomock.Any(), domain.PatientID("2"), gomock.Any()).Return(errors.New("503"))

		err := s.sync.SetRiskLevel(context.Background(), "2", domain.RiskHigh)
		s.Error(err)
		st := s.store.State()
		s.Contains(st.Err, "503")
		p, _ := st.Find("2")
		s.Equal(domain.RiskHigh, p.RiskLevel)
	})

	s.Run("invalid level never reaches the api", func() {
		err := s.sync.SetRiskLevel(context.Background(), "1", "critical")
		s.ErrorIs(err, domain.ErrInvalidRiskLevel)
	})
}

func (s *SynchronizerSuite) TestUpdatePatient() {
	s.Run("empty patch is a no-op", func() {
		s.NoError(s.sync.UpdatePatient(context.Background(), "1", domain.PatientPatch{}))
	})

	s.Run("missing id", func() {
		s.ErrorIs(s.sync.UpdatePatient(context.Background(), "", domain.PatientPatch{Name: domain.Ptr("x")}), domain.ErrMissingPatientID)
	})

	s.Run("broadcast failure is reported", func() {
		s.api.EXPECT().Update(gomock.Any(), domain.PatientID("3"), gomock.Any()).Return(nil)
		s.emitter.EXPECT().Emit(domain.EventStaffUpdate, gomock.Any()).Return(ErrNotConnected)

		err := s.sync.SetActive(context.Background(), "3", false)
		s.ErrorIs(err, ErrNotConnected)
	})
}

func (s *SynchronizerSuite) TestPatientRoleEmitsPatientUpdate() {
	sync, err := NewSynchronizer(s.api, s.emitter, s.store, RolePatient)
	s.Require().NoError(err)

	s.api.EXPECT().Update(gomock.Any(), domain.PatientID("1"), gomock.Any()).Return(nil)
	s.emitter.EXPECT().Emit(domain.EventPatientUpdate, gomock.Any()).Return(nil)

	s.NoError(sync.UpdatePatient(context.Background(), "1", domain.PatientPatch{Phone: domain.Ptr("555")}))
}

func (s *SynchronizerSuite) TestRoleRooms() {
	s.Equal([]domain.RoomName{domain.StaffRoom}, RoleStaff.Rooms(""))
	s.Equal([]domain.RoomName{"patient-42"}, RolePatient.Rooms("42"))

	_, err := ParseRole("admin")
	s.Error(err)
	r, err := ParseRole("patient")
	s.NoError(err)
	s.Equal(RolePatient, r)
}
